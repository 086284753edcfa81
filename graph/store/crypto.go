package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// encPrefix marks a JSON string value as field ciphertext. The payload after
// the prefix is base64(nonce || ciphertext) under AES-GCM.
const encPrefix = "enc:v1:"

// FieldCipher encrypts and decrypts a configured set of top-level state
// fields with AES-GCM. Each field gets a fresh random nonce on every write;
// the nonce is stored alongside the ciphertext.
//
// Decryption is tolerant: a field that fails authentication (stale key,
// corrupted row) is left in its encrypted form and reported, and the read
// otherwise succeeds.
type FieldCipher struct {
	aead   cipher.AEAD
	fields map[string]struct{}
}

// NewFieldCipher creates a cipher over the given sensitive field names.
// The key must be 16, 24, or 32 bytes (AES-128/192/256).
func NewFieldCipher(key []byte, sensitiveFields []string) (*FieldCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to construct GCM: %w", err)
	}

	fields := make(map[string]struct{}, len(sensitiveFields))
	for _, f := range sensitiveFields {
		fields[f] = struct{}{}
	}

	return &FieldCipher{aead: aead, fields: fields}, nil
}

// Fields returns the configured sensitive field names, sorted.
func (c *FieldCipher) Fields() []string {
	names := make([]string, 0, len(c.fields))
	for f := range c.fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// Seal encrypts every configured field present in the JSON object blob and
// returns the re-serialized object. Fields absent from the blob are skipped.
func (c *FieldCipher) Seal(blob []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(blob, &obj); err != nil {
		return nil, fmt.Errorf("state is not a JSON object: %w", err)
	}

	for field := range c.fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}

		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}

		sealed := c.aead.Seal(nil, nonce, raw, []byte(field))
		encoded := encPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...))

		quoted, err := json.Marshal(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q: %w", field, err)
		}
		obj[field] = quoted
	}

	return json.Marshal(obj)
}

// Open decrypts every configured field in the JSON object blob. Fields whose
// decryption fails are left encrypted and returned in the second result; the
// blob itself is still returned and usable.
func (c *FieldCipher) Open(blob []byte) ([]byte, []string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(blob, &obj); err != nil {
		return nil, nil, fmt.Errorf("stored state is not a JSON object: %w", err)
	}

	var failed []string
	for field := range c.fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}

		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil || !strings.HasPrefix(encoded, encPrefix) {
			// Plaintext field, e.g. written before encryption was enabled.
			continue
		}

		payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, encPrefix))
		if err != nil || len(payload) <= c.aead.NonceSize() {
			failed = append(failed, field)
			continue
		}

		nonce := payload[:c.aead.NonceSize()]
		opened, err := c.aead.Open(nil, nonce, payload[c.aead.NonceSize():], []byte(field))
		if err != nil {
			failed = append(failed, field)
			continue
		}

		obj[field] = json.RawMessage(opened)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(failed)
	return out, failed, nil
}

// Redactor replaces a configured set of fields with size-preserving markers
// before state excerpts are logged. The redacted set is typically larger than
// the encrypted set: redacted fields never appear in logs in clear or
// encrypted form.
type Redactor struct {
	fields map[string]struct{}
}

// NewRedactor creates a redactor over the given field names.
func NewRedactor(fields []string) *Redactor {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &Redactor{fields: set}
}

// Redact returns the JSON object blob with every configured field replaced by
// a marker recording its type and size, such as "<redacted array len=3>".
// A blob that is not a JSON object is replaced wholesale.
func (r *Redactor) Redact(blob []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(blob, &obj); err != nil {
		return []byte(`"<redacted>"`)
	}

	for field := range r.fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		quoted, err := json.Marshal(redactionMarker(raw))
		if err != nil {
			quoted = []byte(`"<redacted>"`)
		}
		obj[field] = quoted
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return []byte(`"<redacted>"`)
	}
	return out
}

// redactionMarker classifies a raw JSON value and produces its marker.
func redactionMarker(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<redacted>"
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			return fmt.Sprintf("<redacted array len=%d>", len(items))
		}
	case '{':
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keys); err == nil {
			return fmt.Sprintf("<redacted object keys=%d>", len(keys))
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return fmt.Sprintf("<redacted string len=%d>", len(s))
		}
	case 't', 'f':
		return "<redacted bool>"
	case 'n':
		return "<redacted null>"
	default:
		return "<redacted number>"
	}
	return "<redacted>"
}
