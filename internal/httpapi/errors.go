package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"convo-engine/internal/channel"
	"convo-engine/internal/console"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/reporting"
	"convo-engine/internal/task"
	"convo-engine/pkg/logger"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, channel.ErrInvalidPayload),
		errors.Is(err, console.ErrInvalidInput),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrUnrecognizedChannel),
		errors.Is(err, identity.ErrNotFound),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, console.ErrConversationClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// firstServerError returns the first member of a joined error that maps to
// a 5xx, or nil when every failure is the caller's fault.
func firstServerError(err error) error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if serr := firstServerError(e); serr != nil {
				return serr
			}
		}
		return nil
	}
	if statusFor(err) == http.StatusInternalServerError {
		return err
	}
	return nil
}

// abortWithError writes the error as JSON. Server errors are logged and
// hidden from the caller.
func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(code, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var ve *channel.ValidationError
	if errors.As(err, &ve) {
		body["issues"] = ve.Issues
	}
	c.AbortWithStatusJSON(code, body)
}
