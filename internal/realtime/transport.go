package realtime

import "context"

// Transport opens push channels to the realtime service.
type Transport interface {
	// OpenChannel establishes a channel for one topic, restricted by
	// filter. It returns once the server has acknowledged the
	// subscription.
	OpenChannel(ctx context.Context, topic Topic, filter string) (Channel, error)
}

// Channel is one live topic feed.
type Channel interface {
	// Recv blocks until the next change event arrives. It returns
	// errs.ErrChannelClosed on a clean server close and a transport
	// error on failure; either way the channel is dead afterwards.
	Recv(ctx context.Context) (ChangeEvent, error)

	// Close tears the channel down. Safe to call more than once.
	Close() error
}
