// Package identity classifies who a connection belongs to and derives
// channel names from that classification. An identity is immutable for
// the lifetime of a connection.
package identity

import (
	"fmt"
	"strings"
)

// Kind discriminates identity classes. The kind is part of the registry
// key, so an authenticated owner and an unrelated guest can never be
// folded into the same connection entry even if their raw values collide.
type Kind string

const (
	// KindOwner is an authenticated account owner.
	KindOwner Kind = "owner"
	// KindGuest is an unauthenticated guest token holder.
	KindGuest Kind = "guest"
	// KindPaired is a capture device holding a pairing token. It
	// inherits the guest channel naming scheme.
	KindPaired Kind = "paired"
)

// Identity is one classified connection identity.
type Identity struct {
	Kind  Kind
	Value string
}

// Owner returns an authenticated-owner identity.
func Owner(ownerID string) Identity { return Identity{Kind: KindOwner, Value: ownerID} }

// Guest returns a guest-token identity.
func Guest(token string) Identity { return Identity{Kind: KindGuest, Value: token} }

// Paired returns a paired-device identity for a pairing token.
func Paired(token string) Identity { return Identity{Kind: KindPaired, Value: token} }

// Validate enforces identity invariants.
func (id Identity) Validate() error {
	switch id.Kind {
	case KindOwner, KindGuest, KindPaired:
	default:
		return fmt.Errorf("invalid identity kind: %q", id.Kind)
	}
	if strings.TrimSpace(id.Value) == "" {
		return fmt.Errorf("identity value is required")
	}
	return nil
}

// Key is the kind-discriminated registry key for this identity.
func (id Identity) Key() string {
	return string(id.Kind) + ":" + id.Value
}

// ControlChannel derives the control channel name. Pure: the same
// identity always maps to the same name.
func (id Identity) ControlChannel() string {
	switch id.Kind {
	case KindOwner:
		return "user:" + id.Value
	default:
		// Guests and paired devices share the guest naming scheme.
		return "guest:" + id.Value
	}
}

// TranscriptChannel derives the session-scoped transcript channel name.
func TranscriptChannel(sessionID string) string {
	return "consult:" + sessionID
}
