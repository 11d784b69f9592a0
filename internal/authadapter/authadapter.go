// Package authadapter implements the cluster-RPC authentication contract:
// a pluggable Authenticator producing opaque Credentials bound to a
// configured TTL, plus the authinfo option-string parser.
//
// The adapter never chooses which secret to authenticate with; callers
// resolve that via SelectSecret, then hand the chosen secret to Create
// or Verify.
package authadapter

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrCredentialExpired indicates the credential's TTL has elapsed.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrMACMismatch indicates the computed MAC does not match the one
	// carried by the credential.
	ErrMACMismatch = errors.New("credential mac mismatch")

	// ErrTruncatedCredential indicates a packed credential buffer is
	// shorter than the fixed-size envelope requires.
	ErrTruncatedCredential = errors.New("truncated credential buffer")

	// ErrUnsupportedVersion indicates Pack/Unpack was asked to use a
	// protocol version this adapter does not know how to frame.
	ErrUnsupportedVersion = errors.New("unsupported credential wire version")
)

// -------------------------------------------------------------------------
// Credential
// -------------------------------------------------------------------------

// Credential is the opaque value produced by Create and consumed by
// Verify. Its fields are exported for the Message Engine's logging needs
// but are otherwise meaningless outside this package.
type Credential struct {
	Index    uint32
	UID      uint32
	IssuedAt time.Time
	TTL      time.Duration
	MAC      [sha256.Size]byte
}

// Expired reports whether now is past IssuedAt+TTL. A zero TTL never
// expires (spec §8 "missing ttl= defaults to 0", read here as "disabled").
func (c Credential) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.IssuedAt.Add(c.TTL))
}

// -------------------------------------------------------------------------
// Authenticator contract (spec §4.3)
// -------------------------------------------------------------------------

// Authenticator is the pluggable authentication contract (spec §4.3):
// create, pack, unpack, verify, get-uid, select-index, destroy.
type Authenticator interface {
	// Create mints a credential bound to index and secret.
	Create(index uint32, uid uint32, secret []byte, ttl time.Duration) (Credential, error)

	// Pack serializes cred for the given wire version.
	Pack(cred Credential, version uint16) ([]byte, error)

	// Unpack deserializes a credential previously produced by Pack.
	Unpack(buf []byte, version uint16) (Credential, error)

	// Verify checks cred's MAC against secret and its TTL against now.
	Verify(cred Credential, secret []byte, now time.Time) error

	// GetUID returns the UID embedded in cred.
	GetUID(cred Credential) uint32

	// IndexOf returns the auth key index embedded in cred.
	IndexOf(cred Credential) uint32

	// Destroy releases any resources associated with cred. The default
	// implementation holds none, but callers must still invoke it at the
	// end of a credential's lifetime per the contract.
	Destroy(cred Credential)
}

// -------------------------------------------------------------------------
// HMACAuthenticator — default implementation
// -------------------------------------------------------------------------

// HMACAuthenticator implements Authenticator with HMAC-SHA256 over the
// credential's index, UID, and issue time, the ecosystem's typical
// substitute for the munge-style daemon credential it stands in for.
type HMACAuthenticator struct{}

var _ Authenticator = HMACAuthenticator{}

// credentialMinVersion and credentialMaxVersion mirror the protocol
// version range the frame codec accepts (wire.MinVersion/wire.MaxVersion);
// the credential envelope format has been stable across both, so Pack and
// Unpack accept either rather than pinning to one.
const (
	credentialMinVersion = 1
	credentialMaxVersion = 2
)

func supportedCredentialVersion(version uint16) bool {
	return version >= credentialMinVersion && version <= credentialMaxVersion
}

// Create mints a credential: index, uid, and an issue timestamp are MACed
// with secret under HMAC-SHA256.
func (HMACAuthenticator) Create(index, uid uint32, secret []byte, ttl time.Duration) (Credential, error) {
	if len(secret) == 0 {
		return Credential{}, fmt.Errorf("create credential: %w", errEmptySecret)
	}

	cred := Credential{
		Index:    index,
		UID:      uid,
		IssuedAt: time.Now(),
		TTL:      ttl,
	}
	cred.MAC = computeMAC(cred, secret)
	return cred, nil
}

var errEmptySecret = errors.New("empty secret")

// computeMAC derives the HMAC-SHA256 digest over index||uid||issued_at_unix.
func computeMAC(cred Credential, secret []byte) [sha256.Size]byte {
	var msg [16]byte
	binary.BigEndian.PutUint32(msg[0:4], cred.Index)
	binary.BigEndian.PutUint32(msg[4:8], cred.UID)
	binary.BigEndian.PutUint64(msg[8:16], uint64(cred.IssuedAt.Unix())) //nolint:gosec // G115: unix seconds fit int64/uint64 for any real timestamp

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg[:])

	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Pack serializes cred into a fixed-size wire envelope:
// index(4) || uid(4) || issued_at_unix(8) || ttl_seconds(8) || mac(32).
func (HMACAuthenticator) Pack(cred Credential, version uint16) ([]byte, error) {
	if !supportedCredentialVersion(version) {
		return nil, fmt.Errorf("pack credential version %d: %w", version, ErrUnsupportedVersion)
	}

	buf := make([]byte, 4+4+8+8+sha256.Size)
	binary.BigEndian.PutUint32(buf[0:4], cred.Index)
	binary.BigEndian.PutUint32(buf[4:8], cred.UID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(cred.IssuedAt.Unix())) //nolint:gosec // G115: unix seconds fit int64/uint64 for any real timestamp
	binary.BigEndian.PutUint64(buf[16:24], uint64(cred.TTL.Seconds()))  //nolint:gosec // G115: TTL seconds bounded by practical config values
	copy(buf[24:], cred.MAC[:])
	return buf, nil
}

// Unpack reverses Pack.
func (HMACAuthenticator) Unpack(buf []byte, version uint16) (Credential, error) {
	if !supportedCredentialVersion(version) {
		return Credential{}, fmt.Errorf("unpack credential version %d: %w", version, ErrUnsupportedVersion)
	}
	if len(buf) < 4+4+8+8+sha256.Size {
		return Credential{}, fmt.Errorf("unpack credential: %w", ErrTruncatedCredential)
	}

	var cred Credential
	cred.Index = binary.BigEndian.Uint32(buf[0:4])
	cred.UID = binary.BigEndian.Uint32(buf[4:8])
	cred.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(buf[8:16])), 0) //nolint:gosec // G115: unix seconds round-trip within int64 range
	cred.TTL = time.Duration(binary.BigEndian.Uint64(buf[16:24])) * time.Second
	copy(cred.MAC[:], buf[24:24+sha256.Size])
	return cred, nil
}

// Verify recomputes the MAC under secret and checks it in constant time,
// then checks the TTL against now.
func (HMACAuthenticator) Verify(cred Credential, secret []byte, now time.Time) error {
	want := computeMAC(cred, secret)
	if subtle.ConstantTimeCompare(want[:], cred.MAC[:]) != 1 {
		return fmt.Errorf("verify credential: %w", ErrMACMismatch)
	}
	if cred.Expired(now) {
		return fmt.Errorf("verify credential: %w", ErrCredentialExpired)
	}
	return nil
}

// GetUID returns the embedded UID.
func (HMACAuthenticator) GetUID(cred Credential) uint32 { return cred.UID }

// IndexOf returns the embedded auth key index.
func (HMACAuthenticator) IndexOf(cred Credential) uint32 { return cred.Index }

// Destroy is a no-op: HMACAuthenticator holds no external resources.
func (HMACAuthenticator) Destroy(Credential) {}

// -------------------------------------------------------------------------
// Global secret generation
// -------------------------------------------------------------------------

// GenerateSecret returns a cryptographically random secret of n bytes,
// suitable for seeding the process-wide GLOBAL_AUTH_KEY secret on first
// access (spec §4.3, §9).
func GenerateSecret(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return buf, nil
}

// SelectSecret implements the GLOBAL_AUTH_KEY selection rule (spec §4.3):
// the process-wide secret when useGlobal is set, otherwise the default
// configured secret.
func SelectSecret(useGlobal bool, globalSecret, defaultSecret []byte) []byte {
	if useGlobal {
		return globalSecret
	}
	return defaultSecret
}

// -------------------------------------------------------------------------
// authinfo option-string parsing (spec §4.3, §8 "Auth TTL parsing")
// -------------------------------------------------------------------------

// AuthInfo holds the recognized authinfo options.
type AuthInfo struct {
	// TTL is parsed from "ttl=<seconds>". Negative values clamp to zero;
	// a missing key defaults to zero (spec §8).
	TTL time.Duration

	// Socket is parsed from "socket=<path>"; empty when absent.
	Socket string
}

// ParseAuthInfo parses a `key=value[,key=value]*` authinfo string,
// recognizing `ttl` and `socket` and ignoring any other key (spec §4.3).
func ParseAuthInfo(s string) (AuthInfo, error) {
	var info AuthInfo

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		key, value, found := strings.Cut(pair, "=")
		if !found {
			return AuthInfo{}, fmt.Errorf("parse authinfo %q: missing '='", pair)
		}

		switch strings.TrimSpace(key) {
		case "ttl":
			secs, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return AuthInfo{}, fmt.Errorf("parse authinfo ttl %q: %w", value, err)
			}
			if secs < 0 {
				secs = 0
			}
			info.TTL = time.Duration(secs) * time.Second
		case "socket":
			info.Socket = strings.TrimSpace(value)
		}
	}

	return info, nil
}
