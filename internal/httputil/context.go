package httputil

import (
	"context"
	"net/http"
)

// Context key type to avoid collisions
type contextKey string

const (
	userIDKey contextKey = "userID"
)

// DeviceIDHeader names the header clients use to identify the device behind
// a request. The server stamps it on broadcast events as originDeviceId so
// the writing device can suppress the echo.
const DeviceIDHeader = "X-Device-ID"

// WithUserID adds userID to the request context
func WithUserID(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), userIDKey, userID)
	return r.WithContext(ctx)
}

// GetUserID retrieves userID from context, returns empty string if not found
func GetUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

// GetDeviceID returns the caller's device ID header, empty if absent.
func GetDeviceID(r *http.Request) string {
	return r.Header.Get(DeviceIDHeader)
}
