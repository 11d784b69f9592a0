package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Codec errors (spec §4.1)
// -------------------------------------------------------------------------

var (
	// ErrIncompletePacket indicates the buffer is shorter than body_length
	// claims, or shorter than the fixed header requires.
	ErrIncompletePacket = errors.New("incomplete packet")

	// ErrVersionMismatch indicates header.version lies outside
	// [MinVersion, MaxVersion].
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrUnexpectedReturnList indicates return_count > 0 was seen on a
	// decode path that does not accept an aggregated response.
	ErrUnexpectedReturnList = errors.New("unexpected return list on this receive path")

	// ErrUnexpectedForward indicates forward.count > 0 was seen on a
	// decode path that only expects a plain response.
	ErrUnexpectedForward = errors.New("unexpected forwarding descriptor on response-only path")

	// ErrHostlistTooLarge guards the address-array length prefix against
	// the NO_VAL sentinel (spec §6 "Address-array encoding").
	ErrHostlistTooLarge = errors.New("hostlist count exceeds maximum")
)

// noVal is the sentinel maximum for address-array counts (spec §6): any
// count at or above this value is rejected rather than trusted.
const noVal = 0xFFFFFFFE

// Mode selects which invariant a Decode call enforces on return_count and
// forward.count (spec §3 "Invariants").
type Mode int

const (
	// ModeRequest decodes an inbound request: return_count must be 0;
	// forward.count > 0 is permitted (the receiver may be asked to fan out).
	ModeRequest Mode = iota

	// ModeResponse decodes a single synchronous reply: both return_count
	// and forward.count must be 0.
	ModeResponse

	// ModeAggregated decodes a fan-out reply set: return_count may be > 0.
	ModeAggregated
)

// Header is the typed on-wire envelope header (spec §3, §6).
type Header struct {
	Version     uint16
	Flags       Flag
	MessageType uint16
	BodyLength  uint32
	Forward     ForwardDescriptor
	ReturnCount uint16
	ReturnList  []ReturnEntry
	OriginAddr  netip.AddrPort
}

// CheckVersion reports whether h.Version lies in the supported range
// (spec §4.2 "check_version").
func (h Header) CheckVersion() error {
	if h.Version < MinVersion || h.Version > MaxVersion {
		return fmt.Errorf("version %d not in [%d,%d]: %w",
			h.Version, MinVersion, MaxVersion, ErrVersionMismatch)
	}
	return nil
}

// Frame is a fully decoded wire frame: header plus the still-opaque
// credential and payload byte ranges (spec §4.1 read order).
type Frame struct {
	Header     Header
	Credential []byte
	Payload    []byte
}

// -------------------------------------------------------------------------
// Encode
// -------------------------------------------------------------------------

// Encode serializes msg plus its already-packed credential bytes into a
// length-prefixed frame. Write order is header -> credential -> payload;
// body_length is computed from the payload up front and written directly
// into the header, so no placeholder is rewritten afterwards.
func Encode(msg *Message, credential []byte) ([]byte, error) {
	hostlistBytes, err := encodeHostlist(msg.Forward.Hostlist)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	retListBytes, err := encodeReturnList(msg.RetList)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	headerLen := fixedHeaderLen(hostlistBytes, retListBytes)
	credLen := 4 + len(credential)
	total := 4 + headerLen + credLen + len(msg.Payload)

	buf := make([]byte, total)

	off := 4 // leave room for the outer length prefix, written last
	off = putHeader(buf, off, msg, hostlistBytes, retListBytes, uint32(len(msg.Payload))) //nolint:gosec // G115: payload length bounded by body_length's own uint32 width
	off = putLengthPrefixed(buf, off, credential)
	copy(buf[off:], msg.Payload)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total-4)) //nolint:gosec // G115: total is bounded by a caller-sized buffer

	return buf, nil
}

func fixedHeaderLen(hostlistBytes, retListBytes []byte) int {
	// version(2) + flags(2) + msg_type(2) + body_length(4) +
	// forward{count(4)+hostlist(var)+timeout(4)+tree_width(2)} +
	// return_count(2) + return_list(var) + origin_addr(8).
	return 2 + 2 + 2 + 4 + (4 + len(hostlistBytes) + 4 + 2) + 2 + len(retListBytes) + 8
}

func putHeader(buf []byte, off int, msg *Message, hostlistBytes, retListBytes []byte, bodyLen uint32) int {
	binary.BigEndian.PutUint16(buf[off:], msg.ProtocolVersion)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(msg.Flags))
	off += 2
	binary.BigEndian.PutUint16(buf[off:], msg.MessageType)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], bodyLen)
	off += 4

	binary.BigEndian.PutUint32(buf[off:], msg.Forward.Count)
	off += 4
	copy(buf[off:], hostlistBytes)
	off += len(hostlistBytes)
	binary.BigEndian.PutUint32(buf[off:], uint32(msg.Forward.Timeout.Seconds())) //nolint:gosec // G115: timeout seconds fit uint32 for any realistic retry budget
	off += 4
	binary.BigEndian.PutUint16(buf[off:], msg.Forward.TreeWidth)
	off += 2

	binary.BigEndian.PutUint16(buf[off:], uint16(len(msg.RetList))) //nolint:gosec // G115: RetList length bounded by tree width/hostlist size
	off += 2
	copy(buf[off:], retListBytes)
	off += len(retListBytes)

	off = putOriginAddr(buf, off, msg.OrigAddress)

	return off
}

func putOriginAddr(buf []byte, off int, addr netip.AddrPort) int {
	if addr.IsValid() && addr.Addr().Is4() {
		a := addr.Addr().As4()
		copy(buf[off:off+4], a[:])
		binary.BigEndian.PutUint16(buf[off+4:], addr.Port())
	}
	// bytes off+6:off+8 stay zero (reserved).
	return off + 8
}

func putLengthPrefixed(buf []byte, off int, data []byte) int {
	binary.BigEndian.PutUint32(buf[off:], uint32(len(data))) //nolint:gosec // G115: credential blobs are bounded well under 4GiB
	off += 4
	copy(buf[off:], data)
	return off + len(data)
}

func encodeHostlist(hosts []string) ([]byte, error) {
	if len(hosts) >= noVal {
		return nil, fmt.Errorf("hostlist count %d: %w", len(hosts), ErrHostlistTooLarge)
	}
	joined := joinHosts(hosts)
	out := make([]byte, 4+len(joined))
	binary.BigEndian.PutUint32(out, uint32(len(joined))) //nolint:gosec // G115: joined hostlist bounded by practical tree sizes
	copy(out[4:], joined)
	return out, nil
}

func joinHosts(hosts []string) string {
	out := ""
	for i, h := range hosts {
		if i > 0 {
			out += ","
		}
		out += h
	}
	return out
}

func encodeReturnList(entries []ReturnEntry) ([]byte, error) {
	if len(entries) >= noVal {
		return nil, fmt.Errorf("return list count %d: %w", len(entries), ErrHostlistTooLarge)
	}

	var out []byte
	for _, e := range entries {
		out = append(out, encodeReturnEntry(e)...)
	}
	return out, nil
}

func encodeReturnEntry(e ReturnEntry) []byte {
	nameLen := len(e.NodeName)
	buf := make([]byte, 4+nameLen+2+4+4+len(e.Payload))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(nameLen)) //nolint:gosec // G115: node names are short host identifiers
	off += 4
	copy(buf[off:], e.NodeName)
	off += nameLen
	binary.BigEndian.PutUint16(buf[off:], e.MessageType)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], e.ErrorCode)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload))) //nolint:gosec // G115: payload length bounded by body_length's own uint32 width
	off += 4
	copy(buf[off:], e.Payload)
	return buf
}

// -------------------------------------------------------------------------
// Decode
// -------------------------------------------------------------------------

// Decode parses buf (the frame body, i.e. everything after the outer
// length prefix has already been stripped and size-validated by the
// caller's length-prefixed read) into a Frame, enforcing the invariants
// for the given Mode (spec §3 "Invariants", §4.1 read order).
func Decode(buf []byte, mode Mode) (*Frame, error) {
	const fixedPrefix = 2 + 2 + 2 + 4 // version, flags, msg_type, body_length
	if len(buf) < fixedPrefix+4 {     // +4 for forward.count
		return nil, fmt.Errorf("decode header: %w", ErrIncompletePacket)
	}

	var h Header
	off := 0
	h.Version = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.Flags = Flag(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	h.MessageType = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.BodyLength = binary.BigEndian.Uint32(buf[off:])
	off += 4

	// Version is checked but not treated as immediately fatal: the caller
	// (Message Engine) wants the credential decoded even on a version
	// mismatch so it can log the peer's uid (spec §4.6 receive step 2).
	versionErr := h.CheckVersion()

	off, err := decodeForward(buf, off, &h.Forward)
	if err != nil {
		return nil, err
	}

	off, err = decodeReturnList(buf, off, &h)
	if err != nil {
		return nil, err
	}

	if len(buf) < off+8 {
		return nil, fmt.Errorf("decode origin addr: %w", ErrIncompletePacket)
	}
	h.OriginAddr = decodeOriginAddr(buf[off : off+8])
	off += 8

	if versionErr == nil {
		if err := checkModeInvariants(h, mode); err != nil {
			return nil, err
		}
	}

	credential, off, err := decodeLengthPrefixed(buf, off)
	if err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}

	if versionErr != nil {
		return &Frame{Header: h, Credential: credential}, versionErr
	}

	payload, err := decodePayload(buf, off, h.BodyLength)
	if err != nil {
		return nil, err
	}

	return &Frame{Header: h, Credential: credential, Payload: payload}, nil
}

func checkModeInvariants(h Header, mode Mode) error {
	switch mode {
	case ModeResponse:
		if h.ReturnCount > 0 {
			return fmt.Errorf("response decode: %w", ErrUnexpectedReturnList)
		}
		if h.Forward.Count > 0 {
			return fmt.Errorf("response decode: %w", ErrUnexpectedForward)
		}
	case ModeRequest:
		if h.ReturnCount > 0 {
			return fmt.Errorf("request decode: %w", ErrUnexpectedReturnList)
		}
	case ModeAggregated:
		// return_count > 0 is expected; forward is not meaningful on a
		// reply frame and is simply ignored.
	}
	return nil
}

func decodeForward(buf []byte, off int, fd *ForwardDescriptor) (int, error) {
	if len(buf) < off+4 {
		return 0, fmt.Errorf("decode forward count: %w", ErrIncompletePacket)
	}
	fd.Count = binary.BigEndian.Uint32(buf[off:])
	off += 4

	hostlistStr, off, err := decodeLengthPrefixedString(buf, off)
	if err != nil {
		return 0, fmt.Errorf("decode forward hostlist: %w", err)
	}
	fd.Hostlist = splitHosts(hostlistStr)

	if len(buf) < off+4+2 {
		return 0, fmt.Errorf("decode forward timeout/width: %w", ErrIncompletePacket)
	}
	timeoutSecs := binary.BigEndian.Uint32(buf[off:])
	off += 4
	fd.Timeout = secondsToDuration(timeoutSecs)
	fd.TreeWidth = binary.BigEndian.Uint16(buf[off:])
	off += 2
	fd.initMarker = forwardInitialized

	return off, nil
}

func decodeReturnList(buf []byte, off int, h *Header) (int, error) {
	if len(buf) < off+2 {
		return 0, fmt.Errorf("decode return count: %w", ErrIncompletePacket)
	}
	h.ReturnCount = binary.BigEndian.Uint16(buf[off:])
	off += 2

	h.ReturnList = make([]ReturnEntry, 0, h.ReturnCount)
	for range h.ReturnCount {
		var entry ReturnEntry
		var err error
		off, err = decodeReturnEntry(buf, off, &entry)
		if err != nil {
			return 0, err
		}
		h.ReturnList = append(h.ReturnList, entry)
	}

	return off, nil
}

func decodeReturnEntry(buf []byte, off int, entry *ReturnEntry) (int, error) {
	name, off, err := decodeLengthPrefixedString(buf, off)
	if err != nil {
		return 0, fmt.Errorf("decode return entry name: %w", err)
	}
	entry.NodeName = name

	if len(buf) < off+2+4+4 {
		return 0, fmt.Errorf("decode return entry header: %w", ErrIncompletePacket)
	}
	entry.MessageType = binary.BigEndian.Uint16(buf[off:])
	off += 2
	entry.ErrorCode = binary.BigEndian.Uint32(buf[off:])
	off += 4
	plen := binary.BigEndian.Uint32(buf[off:])
	off += 4

	if plen >= noVal || uint64(off)+uint64(plen) > uint64(len(buf)) {
		return 0, fmt.Errorf("decode return entry payload: %w", ErrIncompletePacket)
	}
	entry.Payload = buf[off : off+int(plen)]
	off += int(plen)

	return off, nil
}

func decodeOriginAddr(b []byte) netip.AddrPort {
	var zero [4]byte
	if b[0] == zero[0] && b[1] == zero[1] && b[2] == zero[2] && b[3] == zero[3] {
		return netip.AddrPort{}
	}
	addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	port := binary.BigEndian.Uint16(b[4:6])
	return netip.AddrPortFrom(addr, port)
}

func decodeLengthPrefixed(buf []byte, off int) ([]byte, int, error) {
	if len(buf) < off+4 {
		return nil, 0, ErrIncompletePacket
	}
	n := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if n >= noVal || uint64(off)+uint64(n) > uint64(len(buf)) {
		return nil, 0, ErrIncompletePacket
	}
	return buf[off : off+int(n)], off + int(n), nil
}

func decodeLengthPrefixedString(buf []byte, off int) (string, int, error) {
	b, off, err := decodeLengthPrefixed(buf, off)
	if err != nil {
		return "", 0, err
	}
	return string(b), off, nil
}

func decodePayload(buf []byte, off int, bodyLength uint32) ([]byte, error) {
	if bodyLength >= noVal || uint64(off)+uint64(bodyLength) > uint64(len(buf)) {
		return nil, fmt.Errorf("decode payload: body_length %d exceeds remaining %d: %w",
			bodyLength, len(buf)-off, ErrIncompletePacket)
	}
	return buf[off : off+int(bodyLength)], nil
}

func splitHosts(s string) []string {
	if s == "" {
		return nil
	}
	var hosts []string
	start := 0
	for i := range len(s) {
		if s[i] == ',' {
			hosts = append(hosts, s[start:i])
			start = i + 1
		}
	}
	hosts = append(hosts, s[start:])
	return hosts
}

func secondsToDuration(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}
