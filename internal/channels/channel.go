// Package channels defines the contract chat transports implement.
package channels

import "context"

// Channel is a chat transport bound to the message bus.
type Channel interface {
	// Name returns the channel identifier used in bus routing.
	Name() string
	// Start connects and begins receiving. Non-blocking.
	Start(ctx context.Context) error
	// Stop disconnects and waits for receive loops to exit.
	Stop(ctx context.Context) error
}

// Truncate clips s for log previews.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
