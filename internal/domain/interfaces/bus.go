package interfaces

import (
	"context"
	"time"
)

// BusPublisher is the narrow write surface of the pub/sub bus.
type BusPublisher interface {
	Publish(ctx context.Context, channel, payload string) error
	SetSnapshot(ctx context.Context, key, payload string) error
}

// BusKV is the TTL key/value surface of the bus, used for republish
// watermarks and command replay defense.
type BusKV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent; returns true when the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// BusSubscriber streams raw payloads from one pub/sub channel. The stop
// func tears the subscription down; the channel closes after that.
type BusSubscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// StatusSink is the error/degradation surface every component reports
// into. The concrete status manager adds the record_* section mutators.
type StatusSink interface {
	AppendError(code, severity, message string, context map[string]any)
	AppendErrorCoalesced(code, severity, message string, context map[string]any, windowS int)
	MarkDegraded(tag string)
	ClearDegraded(tag string)
}
