// Package post defines the core social-network post model shared by every
// skygent component: the scalar primitives (Handle, Did, Hashtag, PostUri,
// PostCid, StoreName, Timestamp, EventId), the Post snapshot itself, and the
// parsing/validation rules that keep those primitives well-formed at every
// store boundary.
package post

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors for primitive validation, mirroring the teacher's
// canonicalization package sentinel-error style (one Err per failure mode,
// wrapped with context via fmt.Errorf at the call site).
var (
	ErrHandleEmpty    = errors.New("handle cannot be empty")
	ErrHandleInvalid  = errors.New("handle must be a lowercase dotted DNS-like name")
	ErrDidEmpty       = errors.New("did cannot be empty")
	ErrDidInvalid     = errors.New("did must start with \"did:\"")
	ErrHashtagEmpty   = errors.New("hashtag cannot be empty")
	ErrHashtagInvalid = errors.New("hashtag must start with \"#\"")
	ErrPostURIInvalid = errors.New("post uri must match at://<did>/app.bsky.feed.post/<rkey>")
	ErrStoreNameEmpty  = errors.New("store name cannot be empty")
	ErrStoreNameUnsafe = errors.New("store name must be a safe filename (alnum, '-', '_' only)")
)

// Handle is a lowercase DNS-like identifier, e.g. "alice.bsky.social".
type Handle string

// Did is an AT Protocol decentralized identifier, e.g. "did:plc:abc123".
type Did string

// Hashtag is a tag token including its leading "#", e.g. "#effect".
type Hashtag string

// PostURI is the canonical at:// URI of a post record.
type PostURI string

// PostCid is an opaque content identifier string, never parsed or validated
// beyond presence; callers treat it as a comparison key only.
type PostCid string

// StoreName is a filesystem-safe store identifier used directly as a
// directory name under the store root.
type StoreName string

// Timestamp is a UTC instant, always encoded as RFC3339/ISO-8601 on the wire.
type Timestamp time.Time

// EventID is a 26-character ULID string. Lexicographic order equals time
// order by construction (see internal/eventlog).
type EventID string

var (
	handlePattern    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
	storeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	postURIPattern   = regexp.MustCompile(`^at://(did:[^/]+)/app\.bsky\.feed\.post/([^/]+)$`)
)

// ParseHandle validates and normalizes s into a Handle. Handles are
// case-folded to lowercase before validation since the wire format is
// case-insensitive but the store treats handles as lowercase keys.
func ParseHandle(s string) (Handle, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return "", ErrHandleEmpty
	}

	if !handlePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrHandleInvalid, s)
	}

	return Handle(trimmed), nil
}

// ParseDid validates s as a Did.
func ParseDid(s string) (Did, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrDidEmpty
	}

	if !strings.HasPrefix(trimmed, "did:") {
		return "", fmt.Errorf("%w: %q", ErrDidInvalid, s)
	}

	return Did(trimmed), nil
}

// ParseHashtag validates s as a Hashtag.
func ParseHashtag(s string) (Hashtag, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrHashtagEmpty
	}

	if !strings.HasPrefix(trimmed, "#") || len(trimmed) == 1 {
		return "", fmt.Errorf("%w: %q", ErrHashtagInvalid, s)
	}

	return Hashtag(trimmed), nil
}

// ParsePostURI validates s as an at:// post URI and extracts its
// constituent Did and rkey. Grounded on the teacher's ParseDatasetURN: a
// manual delimiter scan rather than net/url, because the "at://" scheme and
// the fixed "/app.bsky.feed.post/" collection segment are a closed,
// known-shape format, not a general URL.
func ParsePostURI(s string) (PostURI, Did, string, error) {
	trimmed := strings.TrimSpace(s)

	m := postURIPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return "", "", "", fmt.Errorf("%w: %q", ErrPostURIInvalid, s)
	}

	did, err := ParseDid(m[1])
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %q", ErrPostURIInvalid, s)
	}

	return PostURI(trimmed), did, m[2], nil
}

// ParseStoreName validates s as a StoreName.
func ParseStoreName(s string) (StoreName, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrStoreNameEmpty
	}

	if !storeNamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrStoreNameUnsafe, s)
	}

	return StoreName(trimmed), nil
}

// Now returns the current instant as a Timestamp, truncated to millisecond
// precision to match the ULID clock resolution used for EventID generation.
func Now() Timestamp {
	return Timestamp(time.Now().UTC().Truncate(time.Millisecond))
}

// String renders t as RFC3339, the wire encoding used throughout the store.
func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(time.RFC3339Nano)
}

// Before reports whether t occurs strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return time.Time(t).Before(time.Time(other))
}

// MarshalJSON implements json.Marshaler using RFC3339 encoding.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, parsing RFC3339.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)

	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	*t = Timestamp(parsed.UTC())

	return nil
}
