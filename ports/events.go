package ports

import (
	"context"

	"github.com/layer-3/paygate/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishAuthorized(ctx context.Context, event core.AuthorizationEvent) error
}
