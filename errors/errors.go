package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
)

// Domain sentinels for the conversation engine. Handlers map these onto HTTP
// statuses; services wrap them with context via pkg/errors.
var (
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrEmptyMessage         = errors.New("message has no content")
	ErrMessageTooLong       = errors.New("message content too long")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrSubscriptionLost     = errors.New("push subscription lost")
	ErrNotParticipant       = errors.New("user is not a participant of this conversation")
	InActiveUserError       = errors.New("user inactive")
)

// Error pairs a user-facing message with the HTTP status the handler should
// respond with.
type Error struct {
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func New(message string, status int) *Error {
	return &Error{Message: message, Status: status}
}

// ErrorHandler is plugged into the rate-limit middleware.
func ErrorHandler(c *gin.Context, info ratelimit.Info) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error": "Too many requests. Try again in " + time.Until(info.ResetTime).String(),
	})
}
