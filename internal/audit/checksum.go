package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 UTC millisecond form used for performedAt
// in checksums, storage and exports.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Fields is the tuple covered by an entry checksum.
type Fields struct {
	TenantID    *string
	UserID      *string
	Action      Action
	EntityType  EntityType
	EntityID    *string
	OldValues   map[string]any
	NewValues   map[string]any
	PerformedAt time.Time
}

// Codec computes entry checksums. The zero value (or a nil key) produces
// plain SHA-256 digests; a non-empty key produces HMAC-SHA256 digests.
type Codec struct {
	key []byte
}

// NewCodec returns a codec keyed with key. An empty key selects the
// unkeyed SHA-256 scheme.
func NewCodec(key []byte) *Codec {
	if len(key) == 0 {
		return &Codec{}
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}
}

// Checksum returns the lowercase hex digest of the canonical form of f.
//
// Canonical form, joined with "|":
//
//	tenantId | userId | action | entityType | entityId | oldValues | newValues | performedAt
//
// Absent strings become "", absent maps become "{}". Maps are compact JSON
// with keys sorted at every level, so callers get the same digest
// regardless of map construction order.
func (c *Codec) Checksum(f Fields) (string, error) {
	canonical, err := canonicalize(f)
	if err != nil {
		return "", err
	}
	var h hash.Hash
	if c != nil && len(c.key) > 0 {
		h = hmac.New(sha256.New, c.key)
	} else {
		h = sha256.New()
	}
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verify reports whether the stored checksum of e matches its fields, and
// returns the recomputed value.
func (c *Codec) verify(e *Entry) (bool, string, error) {
	expected, err := c.Checksum(e.fields())
	if err != nil {
		return false, "", err
	}
	return hmac.Equal([]byte(expected), []byte(e.Checksum)), expected, nil
}

func canonicalize(f Fields) (string, error) {
	oldJSON, err := canonicalJSON(f.OldValues)
	if err != nil {
		return "", fmt.Errorf("encoding old values: %w", err)
	}
	newJSON, err := canonicalJSON(f.NewValues)
	if err != nil {
		return "", fmt.Errorf("encoding new values: %w", err)
	}
	return strings.Join([]string{
		deref(f.TenantID),
		deref(f.UserID),
		string(f.Action),
		string(f.EntityType),
		deref(f.EntityID),
		oldJSON,
		newJSON,
		FormatTimestamp(f.PerformedAt),
	}, "|"), nil
}

func canonicalJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := EncodeJSON(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncodeJSON is json.Marshal without HTML escaping, so "&", "<" and ">"
// are stored and hashed as written.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// normalizeMap round-trips m through JSON, decoding numbers as
// json.Number. Structs and custom marshalers become plain maps, so the
// hashed form is the one a store hands back.
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := EncodeJSON(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
