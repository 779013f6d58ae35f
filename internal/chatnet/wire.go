// Package chatnet is a small chat network: an HTTP JSON API for message
// mutations and history plus a websocket event stream per conversation.
// It backs the network provider in local runs and tests.
package chatnet

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tripchat/realtime/internal/domain"
)

type EditRequest struct {
	Body    string `json:"body"`
	Version int64  `json:"version"`
}

type ReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type UnreadResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes carried in ErrorResponse.Error.
const (
	CodeInvalidBody     = "invalid_body"
	CodeInvalidMessage  = "invalid_message"
	CodeMessageTooLarge = "message_too_large"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// StatusFor maps a domain error onto the HTTP status and code the API
// returns for it.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMessageTooLarge):
		return http.StatusBadRequest, CodeMessageTooLarge
	case errors.Is(err, domain.ErrInvalidMessage):
		return http.StatusBadRequest, CodeInvalidMessage
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrOptimisticLockConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, CodeRateLimited
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorFor is the client-side inverse of StatusFor.
func ErrorFor(status int, body ErrorResponse) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthentication, body.Message)
	case status == http.StatusConflict:
		return domain.ErrOptimisticLockConflict
	case status == http.StatusNotFound:
		return domain.ErrMessageNotFound
	case status == http.StatusTooManyRequests:
		return domain.ErrQuotaExceeded
	case status == http.StatusBadRequest && body.Error == CodeMessageTooLarge:
		return domain.ErrMessageTooLarge
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidMessage, body.Message)
	case status >= 500:
		return domain.NewTransportFault("http", fmt.Errorf("status %d: %s", status, body.Error))
	}
	return fmt.Errorf("chatnet: unexpected status %d: %s", status, body.Error)
}
