// Package scheme holds the encryption scheme tags and the per-partner
// scheme negotiator. Several independently evolved schemes coexist on the
// network; the negotiator remembers which one last worked for each partner
// so the client neither spams failing decrypts nor silently loses
// interoperability with older peers.
package scheme

import (
	"fmt"

	"github.com/opd-ai/dmcore/event"
)

// Scheme identifies one of the pairwise encryption schemes.
type Scheme uint8

const (
	// Legacy is the older pairwise scheme with the widest peer support.
	Legacy Scheme = iota
	// Modern is the newer pairwise scheme with stronger primitives; not
	// all peers or signing authorities support it.
	Modern
	// Onion is the three-layer scheme hiding the true sender behind a
	// throwaway outer identity. Receive-only in this client.
	Onion
)

// String returns the persisted wire name of the scheme.
func (s Scheme) String() string {
	switch s {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern"
	case Onion:
		return "onion"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Parse converts a persisted scheme name back to a Scheme.
func Parse(name string) (Scheme, error) {
	switch name {
	case "legacy":
		return Legacy, nil
	case "modern":
		return Modern, nil
	case "onion":
		return Onion, nil
	default:
		return Legacy, fmt.Errorf("scheme: unknown name %q", name)
	}
}

// PublishKind returns the wire kind tag used when publishing under this
// scheme.
func (s Scheme) PublishKind() int {
	switch s {
	case Modern:
		return event.KindModernDM
	case Onion:
		return event.KindGiftWrap
	default:
		return event.KindLegacyDM
	}
}

// FromKind classifies an incoming envelope kind.
func FromKind(kind int) (Scheme, bool) {
	switch kind {
	case event.KindLegacyDM:
		return Legacy, true
	case event.KindModernDM:
		return Modern, true
	case event.KindGiftWrap:
		return Onion, true
	default:
		return Legacy, false
	}
}
