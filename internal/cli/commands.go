package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yaroing/feedback-platform/internal/api"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
	syncpkg "github.com/yaroing/feedback-platform/internal/sync"
)

// =====================================================
// serve
// =====================================================

type serveOptions struct {
	*RootOptions
	Listen  string
	Offline bool
}

func newServeCommand(root *RootOptions) *cobra.Command {
	opts := &serveOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the local control API",
		Long: `Start the background sync scheduler and the local HTTP control API.

Connectivity is reported by the host through PUT /api/connectivity; sync
events are pushed on /ws.

Example:
  feedbacksync serve --listen 127.0.0.1:8765
  feedbacksync serve --offline`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start in the offline state")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var online *bool
	if opts.Offline {
		online = new(bool)
	}
	app, err := opts.openApp(cmd, online)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := app.Config.ListenAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}

	srv := api.NewServer(api.Deps{
		Engine:         app.Engine,
		Scheduler:      app.Scheduler,
		Monitor:        app.Monitor,
		Records:        app.Records,
		Mutations:      app.Mutations,
		Attachments:    app.Attachments,
		Feedback:       app.Feedback,
		MaxUploadBytes: app.Config.MaxUploadBytes,
	})
	defer srv.Close()

	app.Scheduler.Start(ctx)
	logging.Info("feedbacksync started", map[string]interface{}{
		"addr":       addr,
		"server_url": app.Config.ServerURL,
		"online":     app.Monitor.IsOnline(),
	})

	if err := srv.Serve(ctx, addr); err != nil {
		return WrapExitError(ExitCommandError, "control API failed", err)
	}
	return nil
}

// =====================================================
// sync
// =====================================================

type syncOptions struct {
	*RootOptions
	Offline bool
}

func newSyncCommand(root *RootOptions) *cobra.Command {
	opts := &syncOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "treat the device as offline (the pass is a no-op)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *syncOptions) error {
	online := !opts.Offline
	app, err := opts.openApp(cmd, &online)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), app.Config.SyncTimeout)
	defer cancel()

	result, err := app.Engine.SyncAll(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	if err := opts.output(cmd).Success(result, func(w io.Writer) { renderResult(w, result) }); err != nil {
		return err
	}
	if result.FailedCount > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d item(s) failed", result.FailedCount)}
	}
	return nil
}

func renderResult(w io.Writer, r *syncpkg.Result) {
	if r.Offline {
		fmt.Fprintln(w, "offline: nothing synced")
		return
	}
	fmt.Fprintf(w, "synced %d/%d items (%d failed, %d skipped) in %s\n",
		r.SucceededCount, r.Total, r.FailedCount, r.SkippedCount, r.Duration)
	for _, item := range r.Items {
		if item.Outcome == syncpkg.OutcomeSucceeded {
			continue
		}
		fmt.Fprintf(w, "  %s %d %s: %s\n", item.Kind, item.LocalID, item.Outcome, item.Error)
	}
}

// =====================================================
// status
// =====================================================

func newStatusCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued records, mutations and attachments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.openApp(cmd, new(bool))
			if err != nil {
				return err
			}
			defer app.Close()

			pending, err := app.Engine.Pending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queues", err)
			}
			return root.output(cmd).Success(pending, func(w io.Writer) { renderPending(w, pending) })
		},
	}
}

func renderPending(w io.Writer, p *syncpkg.PendingCounts) {
	fmt.Fprintf(w, "records:   %d\n", p.Records)
	fmt.Fprintf(w, "mutations: %d\n", p.Mutations)

	statuses := make([]string, 0, len(p.Attachments))
	for s := range p.Attachments {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "attachments %s: %d\n", s, p.Attachments[models.AttachmentStatus(s)])
	}
}

// =====================================================
// retry
// =====================================================

func newRetryCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <attachment-id>",
		Short: "Move a failed attachment back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLocalID(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid attachment id", err)
			}

			app, err := root.openApp(cmd, new(bool))
			if err != nil {
				return err
			}
			defer app.Close()

			a, err := app.Attachments.Retry(cmd.Context(), id)
			if err != nil {
				return WrapExitError(ExitCommandError, "retry failed", err)
			}
			return root.output(cmd).Success(a, func(w io.Writer) {
				fmt.Fprintf(w, "attachment %d (%s) is %s\n", a.LocalID, a.Filename, a.Status)
			})
		},
	}
}

// parseLocalID accepts "12" or "offline-12".
func parseLocalID(s string) (int64, error) {
	id, err := models.ParseIdentifier(s)
	if err != nil {
		return 0, err
	}
	return id.Value(), nil
}
