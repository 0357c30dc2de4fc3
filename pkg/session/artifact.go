package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrExtraction indicates that the browser reached an authenticated state
// but the expected storage keys were not present, so no usable artifact
// could be produced.
var ErrExtraction = errors.New("session extraction failed")

// Artifact is the portable authentication payload that substitutes for a
// fresh login. The payload is opaque to everything except Decode; it is
// immutable once created and superseded, never mutated, by regeneration.
type Artifact struct {
	// Payload is the base64-encoded serialized browser state.
	Payload string `json:"payload"`

	// CreatedAt records when the artifact was extracted.
	CreatedAt time.Time `json:"created_at"`

	// Valid reports whether the artifact passed a validation probe.
	// A freshly saved artifact is pending validation (Valid=false).
	Valid bool `json:"valid"`
}

// State is the raw browser-held authentication state captured after a
// successful login. It is what the payload encodes.
type State struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
}

// Cookie is a single browser cookie, kept independent of any automation
// library so artifacts stay portable across driver versions.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"`
}

// Encode serializes browser state into a new pending-validation artifact.
// It fails with ErrExtraction when the state carries no local storage,
// which means the login UI succeeded but the underlying session never
// persisted.
func Encode(state *State) (*Artifact, error) {
	if state == nil || len(state.LocalStorage) == 0 {
		return nil, fmt.Errorf("%w: no local storage captured", ErrExtraction)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing state: %v", ErrExtraction, err)
	}

	return &Artifact{
		Payload:   base64.StdEncoding.EncodeToString(raw),
		CreatedAt: time.Now().UTC(),
		Valid:     false,
	}, nil
}

// Decode returns the browser state encoded in the artifact payload.
func (a *Artifact) Decode() (*State, error) {
	raw, err := base64.StdEncoding.DecodeString(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	return &state, nil
}

// DecodeRaw returns the decoded payload bytes without interpreting them.
// This is the form handed to the supervised process on startup.
func (a *Artifact) DecodeRaw() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return raw, nil
}

// Import builds a pending-validation artifact from an externally supplied
// base64 payload, verifying that it decodes to usable state first.
func Import(payload string) (*Artifact, error) {
	a := &Artifact{
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Valid:     false,
	}

	state, err := a.Decode()
	if err != nil {
		return nil, fmt.Errorf("invalid session payload: %w", err)
	}
	if len(state.LocalStorage) == 0 && len(state.Cookies) == 0 {
		return nil, fmt.Errorf("invalid session payload: empty state")
	}

	return a, nil
}
