// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix"
)

var (
	// ErrNoPortal is returned when an event arrives in a room that has no
	// portal mapping and none can be provisioned.
	ErrNoPortal = errors.New("no portal for room")
	// ErrPipelineClosed is returned when submitting to a pipeline that has
	// begun graceful shutdown.
	ErrPipelineClosed = errors.New("pipeline closed")
)

// ValidationError rejects an admin mapping submission. The prior mapping
// stays in force; Conflicts names every identity involved in the rejection.
type ValidationError struct {
	Reason    string
	Conflicts []string
}

func (e *ValidationError) Error() string {
	if len(e.Conflicts) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Conflicts, ", "))
}

// isTransient reports whether err is worth retrying: network-level failures,
// rate limits, and server-side errors from either protocol API.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode == http.StatusTooManyRequests || appErr.StatusCode >= 500
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if errors.Is(err, mautrix.MLimitExceeded) {
			return true
		}
		return httpErr.Response != nil && httpErr.Response.StatusCode >= 500
	}
	return false
}

// isAuthError reports whether err means the credential is revoked, expired,
// or otherwise rejected. Such failures mark the puppet degraded; the mapping
// is kept for admin intervention.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode == http.StatusUnauthorized || appErr.StatusCode == http.StatusForbidden
	}
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MForbidden) {
		return true
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsStatus(http.StatusUnauthorized) || httpErr.IsStatus(http.StatusForbidden)
	}
	return false
}
