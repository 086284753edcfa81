package store

import (
	"encoding/json"
	"fmt"

	"github.com/convograph/convograph-go/graph/emit"
)

// Config carries the security settings shared by every backend: which fields
// are encrypted at rest, which are redacted from logs, and where warnings go.
//
// A zero Config stores state in clear JSON and emits nothing.
type Config struct {
	// Cipher encrypts the sensitive field set. Nil disables encryption.
	Cipher *FieldCipher

	// Redactor governs what may appear in emitted events. It should cover
	// at least the Cipher's field set, and typically more.
	Redactor *Redactor

	// Emitter receives checkpoint_saved and decrypt_warning events.
	// Nil drops them.
	Emitter emit.Emitter
}

func (c Config) emit(event emit.Event) {
	if c.Emitter != nil {
		c.Emitter.Emit(event)
	}
}

// redactedSummary produces the only form of state allowed into events.
func (c Config) redactedSummary(blob []byte) string {
	if c.Redactor == nil {
		// Without a redactor nothing about the state is loggable.
		return fmt.Sprintf("<state %d bytes>", len(blob))
	}
	return string(c.Redactor.Redact(blob))
}

// sealState serializes state and encrypts its sensitive fields.
func sealState[S any](cfg Config, state S) ([]byte, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	if cfg.Cipher == nil {
		return blob, nil
	}
	sealed, err := cfg.Cipher.Seal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return sealed, nil
}

// openState decrypts and deserializes a stored blob. Fields that fail
// decryption are reported by name and emitted as warnings; the state is
// still returned with those fields in encrypted form where the target type
// allows it, or zero-valued where it does not.
func openState[S any](cfg Config, runID string, blob []byte) (S, []string, error) {
	var state S

	opened := blob
	var failed []string
	if cfg.Cipher != nil {
		var err error
		opened, failed, err = cfg.Cipher.Open(blob)
		if err != nil {
			return state, nil, fmt.Errorf("failed to decode stored state: %w", err)
		}
	}

	for _, field := range failed {
		cfg.emit(emit.Event{
			RunID: runID,
			Msg:   "decrypt_warning",
			Meta:  map[string]interface{}{"field": field},
		})
	}

	if err := unmarshalTolerant(opened, &state, failed); err != nil {
		return state, failed, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, failed, nil
}

// unmarshalTolerant decodes the blob into state. When fields were left
// encrypted their JSON type (string) may not match the target field type; in
// that case the offending fields are dropped and decoding is retried so the
// rest of the state survives.
func unmarshalTolerant(blob []byte, state interface{}, failed []string) error {
	err := json.Unmarshal(blob, state)
	if err == nil || len(failed) == 0 {
		return err
	}

	var obj map[string]json.RawMessage
	if uerr := json.Unmarshal(blob, &obj); uerr != nil {
		return err
	}
	for _, field := range failed {
		delete(obj, field)
	}
	stripped, merr := json.Marshal(obj)
	if merr != nil {
		return err
	}
	return json.Unmarshal(stripped, state)
}
