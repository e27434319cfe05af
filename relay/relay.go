// Package relay abstracts the public event broadcast layer: bounded
// historical fetches, long-lived subscriptions, and best-effort publishing
// across multiple endpoints. The DM subsystem only consumes this interface;
// the concrete network client lives elsewhere.
package relay

import (
	"context"

	"github.com/opd-ai/dmcore/event"
)

// PublishResult reports per-endpoint acknowledgements. Partial success is
// expected on a best-effort multi-endpoint network.
type PublishResult struct {
	// Acked lists endpoints that accepted the envelope.
	Acked []string
	// Failed maps endpoints to their rejection errors.
	Failed map[string]error
}

// Success reports whether at least one endpoint accepted the envelope.
func (r PublishResult) Success() bool {
	return len(r.Acked) > 0
}

// Client is the broadcast-layer collaborator.
type Client interface {
	// FetchEnvelopes returns stored envelopes matching the filter. The
	// result is bounded and eventually consistent; overlapping fetches
	// may return duplicates.
	FetchEnvelopes(ctx context.Context, filter event.Filter) ([]*event.Envelope, error)
	// Subscribe delivers new matching envelopes as they arrive. The
	// stream never closes itself; it ends when ctx is cancelled.
	Subscribe(ctx context.Context, filter event.Filter) (<-chan *event.Envelope, error)
	// Publish broadcasts a signed envelope, best effort.
	Publish(ctx context.Context, env *event.Envelope) (PublishResult, error)
}
