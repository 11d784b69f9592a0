// Package wire implements the cluster-RPC on-wire envelope: a versioned,
// length-prefixed binary frame carrying an authentication credential, an
// optional forwarding descriptor, and an opaque typed payload.
//
// The package never interprets payload bytes. message_type only selects
// which external codec a caller should use to decode them; wire treats
// the payload as an opaque blob bounded by body_length.
package wire

import (
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Protocol version range
// -------------------------------------------------------------------------

// MinVersion and MaxVersion bound the protocol versions this build can
// decode. A header outside this range fails with ErrVersionMismatch.
const (
	MinVersion uint16 = 1
	MaxVersion uint16 = 2
)

// -------------------------------------------------------------------------
// Flags
// -------------------------------------------------------------------------

// Flag is a bitset carried in the header's flags field.
type Flag uint16

const (
	// FlagGlobalAuthKey selects the process-wide authentication secret
	// instead of the default configured one.
	FlagGlobalAuthKey Flag = 0x1

	// FlagKeepBuffer tells the receive path to hand the raw received
	// buffer back to the caller instead of freeing it.
	FlagKeepBuffer Flag = 0x2
)

// Has reports whether bit f is set in the flag set.
func (fs Flag) Has(f Flag) bool {
	return fs&f != 0
}

// -------------------------------------------------------------------------
// Forwarding Descriptor
// -------------------------------------------------------------------------

// forwardUninitialized and forwardInitialized are the init-marker values
// distinguishing an uninitialized ForwardDescriptor from an explicit
// zero-count one.
const (
	forwardUninitialized = 0
	forwardInitialized   = 1
)

// ForwardDescriptor names the downstream hostlist, tree width, and
// per-hop timeout for a fan-out request (spec §3, §4.7).
type ForwardDescriptor struct {
	// Count is the number of hosts remaining in Hostlist for this hop.
	Count uint32

	// Hostlist is the ordered set of downstream node names for this hop.
	Hostlist []string

	// TreeWidth is the configured fan-out width for this hop. Zero means
	// "use the configured default".
	TreeWidth uint16

	// Timeout is the per-hop receive budget. Zero means "inherit the
	// configured message timeout".
	Timeout time.Duration

	initMarker uint8
}

// NoForward returns a ForwardDescriptor meaning "no forwarding", with
// TreeWidth defaulted from cfgTreeWidth (spec §4.6 step 2).
func NoForward(cfgTreeWidth uint16) ForwardDescriptor {
	return ForwardDescriptor{
		TreeWidth:  cfgTreeWidth,
		initMarker: forwardInitialized,
	}
}

// IsSet reports whether the descriptor has been explicitly initialized,
// distinguishing "unset" from an explicit zero-count value (spec §3).
func (fd ForwardDescriptor) IsSet() bool {
	return fd.initMarker == forwardInitialized
}

// HasChildren reports whether this descriptor names at least one
// downstream host to forward to.
func (fd ForwardDescriptor) HasChildren() bool {
	return fd.Count > 0 && len(fd.Hostlist) > 0
}

// EffectiveTimeout returns the per-hop timeout: the larger of the
// descriptor's own timeout and the configured message timeout, or the
// configured message timeout when the descriptor has none (spec §4.7
// "Timeouts": per-hop timeout = max(descriptor.timeout, configured
// message_timeout); if the descriptor carries none, inherit it).
func (fd ForwardDescriptor) EffectiveTimeout(messageTimeout time.Duration) time.Duration {
	if fd.Timeout <= 0 {
		return messageTimeout
	}
	if fd.Timeout > messageTimeout {
		return fd.Timeout
	}
	return messageTimeout
}

// -------------------------------------------------------------------------
// Return-data Entry
// -------------------------------------------------------------------------

// ForwardFailedType is the reserved message_type marking a ReturnEntry as
// a per-node failure marker rather than a decoded reply (spec §3).
const ForwardFailedType uint16 = 0xFFFF

// ReturnEntry is one node's reply within an aggregated fan-out response
// (spec §3 "Return-data Entry").
type ReturnEntry struct {
	NodeName    string
	MessageType uint16
	ErrorCode   uint32
	Payload     []byte
}

// Failed reports whether this entry is a synthesized FORWARD_FAILED
// marker rather than a decoded reply.
func (re ReturnEntry) Failed() bool {
	return re.MessageType == ForwardFailedType
}

// -------------------------------------------------------------------------
// Message — logical exchange unit at the core's boundary
// -------------------------------------------------------------------------

// Message is the logical request/response unit exchanged across a single
// connection (spec §3). It is created by the sender, mutated only by the
// send/receive path during its one exchange, and discarded afterward.
type Message struct {
	ProtocolVersion uint16
	MessageType     uint16
	Flags           Flag

	// Address is the peer endpoint this message was sent to or received
	// from.
	Address netip.AddrPort

	// OrigAddress is the original source address when this message
	// traversed a forwarding tree; zero value when the message is local.
	OrigAddress netip.AddrPort

	// Forward is the forwarding descriptor. Zero value means "unset";
	// use NoForward to build an explicit no-forwarding value.
	Forward ForwardDescriptor

	// RetList accumulates per-node responses for fan-out senders and
	// receivers.
	RetList []ReturnEntry

	// AuthCredential is opaque; produced and consumed by the auth
	// adapter.
	AuthCredential []byte

	// Payload is opaque; decoded by an external codec keyed on
	// MessageType.
	Payload []byte
}
