package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"coursechat/internal/api"
)

var (
	// ErrBusy rejects a send while another reply is still streaming.
	ErrBusy = errors.New("a reply is already in progress")
	// ErrEmptyMessage rejects blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrCancelled fails a reply the caller stopped.
	ErrCancelled = errors.New("reply cancelled")
	// ErrStreamClosed fails a reply whose stream ended without a terminal frame.
	ErrStreamClosed = errors.New("connection closed before the reply finished")
	// ErrUnknownMessage is returned for an id that isn't in the conversation.
	ErrUnknownMessage = errors.New("unknown message")
)

// ServerError is an explicit error frame sent inside the reply stream.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// DescribeError turns any failure on the send path into the text shown in
// place of the failed reply.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}

	var (
		se  *ServerError
		hse *api.HTTPStatusError
		ne  *api.NetworkError
	)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Reply cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The reply took too long and was stopped."
	case errors.Is(err, ErrStreamClosed):
		return "The connection closed before the reply finished. Please try again."
	case errors.As(err, &se):
		return "Error: " + se.Message
	case errors.As(err, &hse):
		return describeStatus(hse)
	case errors.As(err, &ne):
		return "Could not reach the server. Please check your connection and try again."
	default:
		return "Error: " + err.Error()
	}
}

func describeStatus(e *api.HTTPStatusError) string {
	switch {
	case e.Status == http.StatusUnauthorized:
		return "You need to be logged in to send messages."
	case e.Status == http.StatusUnprocessableEntity:
		if len(e.Validation) > 0 {
			return "Validation error:\n" + api.FlattenValidation(e.Validation)
		}
		return "Validation error: " + strings.TrimSpace(e.Message())
	case e.Status >= 500:
		return "The server ran into a problem. Please try again later."
	default:
		return "Error: " + e.Message()
	}
}
