package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, workspaceID string, event Event) error
	Subscribe(ctx context.Context, workspaceID string) (<-chan Event, error)
}
