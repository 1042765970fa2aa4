package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
)

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrRemoteRejected:
		return http.StatusUnprocessableEntity
	case apperrors.ErrRemoteUnreachable:
		return http.StatusBadGateway
	case apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": code, "message": msg}.
func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

// bindAndValidate binds a JSON body into out and runs struct validation.
// On failure it writes a 400 and returns false.
func bindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   apperrors.ErrInvalid,
			"message": err.Error(),
		})
		return false
	}

	if err := v.Struct(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":  apperrors.ErrValidation,
			"fields": validationErrorsToMap(err),
		})
		return false
	}
	return true
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
