// Command feedbacksync runs the offline queue and sync agent.
package main

import (
	"fmt"
	"os"

	"github.com/yaroing/feedback-platform/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	root := cli.NewRootCommand()
	root.Version = Version

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
