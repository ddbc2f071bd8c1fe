package notify

import "context"

// INotifier delivers a human-readable message to an external channel.
type INotifier interface {
	Notify(ctx context.Context, message string) error
}
