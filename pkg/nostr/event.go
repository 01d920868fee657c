package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event is an immutable signed record from the wire.
// Fields follow the relay serialization exactly; events are never mutated
// after signing.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize returns the canonical serialization used for id hashing:
// [0, pubkey, created_at, kind, tags, content] with HTML escaping disabled.
func (e *Event) Serialize() ([]byte, error) {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	// Encode appends a newline; the hash input must not include it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	ser, err := e.Serialize()
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(ser)
	return hex.EncodeToString(h[:]), nil
}

// Sign fills in PubKey, ID and Sig using the given hex-encoded private key.
func (e *Event) Sign(privKeyHex string) error {
	skBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	sk := secp256k1.PrivKeyFromBytes(skBytes)
	defer sk.Zero()

	// x-only key: compressed form minus the parity byte.
	e.PubKey = hex.EncodeToString(sk.PubKey().SerializeCompressed()[1:])

	id, err := e.ComputeID()
	if err != nil {
		return fmt.Errorf("compute event id: %w", err)
	}
	e.ID = id

	hash, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(sk, hash)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the id hash and the Schnorr signature.
func (e *Event) Verify() (bool, error) {
	id, err := e.ComputeID()
	if err != nil {
		return false, err
	}
	if id != e.ID {
		return false, nil
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return false, fmt.Errorf("invalid pubkey %q", e.PubKey)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false, fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}

	hash, _ := hex.DecodeString(e.ID)
	return sig.Verify(hash, pub), nil
}

// TagValue returns the second element of the first tag with the given label,
// or "" when absent.
func (e *Event) TagValue(label string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == label {
			return t[1]
		}
	}
	return ""
}

// TagValues returns the second element of every tag with the given label.
func (e *Event) TagValues(label string) []string {
	var out []string
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == label {
			out = append(out, t[1])
		}
	}
	return out
}

// RootEventID returns the id of the e-tag carrying the "root" marker, falling
// back to the first e-tag when no marker is present.
func (e *Event) RootEventID() string {
	first := ""
	for _, t := range e.Tags {
		if len(t) < 2 || t[0] != "e" {
			continue
		}
		if first == "" {
			first = t[1]
		}
		if len(t) >= 4 && t[3] == "root" {
			return t[1]
		}
	}
	return first
}

// ReplyEventID returns the id of the e-tag carrying the "reply" marker.
func (e *Event) ReplyEventID() string {
	for _, t := range e.Tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == "reply" {
			return t[1]
		}
	}
	return ""
}

// Address returns the addressable form "kind:pubkey:dTag" for replaceable
// events, or "" for regular kinds.
func (e *Event) Address() string {
	if e.Kind < 30000 || e.Kind >= 40000 {
		return ""
	}
	return fmt.Sprintf("%d:%s:%s", e.Kind, e.PubKey, e.TagValue("d"))
}

// Less orders events by (created_at, id), the conversation history order.
func (e *Event) Less(other *Event) bool {
	if e.CreatedAt != other.CreatedAt {
		return e.CreatedAt < other.CreatedAt
	}
	return e.ID < other.ID
}

// Tag is one ordered string tuple; the first element is its label.
type Tag []string

// Tags is the ordered tag list of an event.
type Tags []Tag
