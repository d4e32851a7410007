// Package event defines the signed, content-addressed event that every node
// exchanges and folds into its materialized state.
package event

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"

	"meshterm/internal/crypto"
	"meshterm/internal/node"
	"meshterm/internal/proto"
)

const (
	hashLabel    = "meshterm:event:v1"
	payloadLabel = "meshterm:payload:v1"

	// MaxPayloadSize bounds the opaque payload of one event.
	MaxPayloadSize = 64 << 10
	// MaxKeyLen bounds a materialized key written by a payload.
	MaxKeyLen = 256
)

var (
	// ErrMalformed marks an event that is structurally invalid.
	ErrMalformed = errors.New("malformed event")
	// ErrBadSignature marks an event whose hash or signature does not check.
	ErrBadSignature = errors.New("bad event signature")
)

// Hash is the content hash of an event.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("%w: bad hash %q", ErrMalformed, s)
	}
	copy(h[:], raw)
	return h, nil
}

// Event is a SignedEvent: immutable once constructed.
type Event struct {
	// Author is DeriveNodeID(AuthorPub).
	Author    node.PeerID
	AuthorPub []byte
	// Seq increases monotonically per author, starting at 1.
	Seq uint64
	// Deps is the sorted, duplicate-free set of causal predecessors.
	Deps []Hash
	// Payload is opaque to the transport and the engine's ordering logic.
	Payload []byte
	// Folded events had their payload dropped by compaction. They carry
	// the payload digest instead, so Hash and Sig still verify.
	Folded bool
	Digest Hash
	// Hash is ComputeHash over the fields above.
	Hash Hash
	// Sig is the author's signature over Hash.
	Sig []byte
}

// NormalizeDeps sorts and deduplicates a dependency set.
func NormalizeDeps(deps []Hash) []Hash {
	if len(deps) == 0 {
		return nil
	}
	out := append([]Hash(nil), deps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// DigestPayload is the payload commitment that ComputeHash binds.
func DigestPayload(payload []byte) Hash {
	h := sha3.New256()
	_, _ = h.Write([]byte(payloadLabel))
	_, _ = h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeHash is a pure function of (author, seq, deps, payload). Deps must
// already be normalized.
func ComputeHash(author node.PeerID, seq uint64, deps []Hash, payload []byte) Hash {
	return hashWithDigest(author, seq, deps, DigestPayload(payload))
}

func hashWithDigest(author node.PeerID, seq uint64, deps []Hash, digest Hash) Hash {
	h := sha3.New256()
	_, _ = h.Write([]byte(hashLabel))
	_, _ = h.Write(author[:])
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], seq)
	_, _ = h.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(deps)))
	_, _ = h.Write(tmp[:4])
	for _, d := range deps {
		_, _ = h.Write(d[:])
	}
	_, _ = h.Write(digest[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PayloadDigest is Digest for a folded event and the digest of Payload
// otherwise.
func (e Event) PayloadDigest() Hash {
	if e.Folded {
		return e.Digest
	}
	return DigestPayload(e.Payload)
}

// Fold returns a copy of e without its payload.
func (e Event) Fold() Event {
	if e.Folded {
		return e
	}
	e.Digest = DigestPayload(e.Payload)
	e.Payload = nil
	e.Folded = true
	return e
}

// New builds and signs an event authored by self.
func New(self *node.Node, seq uint64, deps []Hash, payload []byte) (Event, error) {
	if self == nil {
		return Event{}, errors.New("identity unavailable")
	}
	if seq == 0 {
		return Event{}, fmt.Errorf("%w: seq must be positive", ErrMalformed)
	}
	if len(payload) > MaxPayloadSize {
		return Event{}, fmt.Errorf("%w: payload too large", ErrMalformed)
	}
	deps = NormalizeDeps(deps)
	if len(deps) > proto.MaxEventDeps {
		return Event{}, fmt.Errorf("%w: too many deps", ErrMalformed)
	}
	ev := Event{
		Author:    self.ID,
		AuthorPub: append([]byte(nil), self.PubKey...),
		Seq:       seq,
		Deps:      deps,
		Payload:   append([]byte(nil), payload...),
	}
	ev.Hash = ComputeHash(ev.Author, ev.Seq, ev.Deps, ev.Payload)
	sig, err := self.Sign(ev.Hash[:])
	if err != nil {
		return Event{}, err
	}
	ev.Sig = sig
	return ev, nil
}

// Validate checks structure only; it does not touch the signature.
func (e Event) Validate() error {
	if e.Seq == 0 {
		return fmt.Errorf("%w: zero seq", ErrMalformed)
	}
	if !crypto.IsPublicKey(e.AuthorPub) {
		return fmt.Errorf("%w: bad author key", ErrMalformed)
	}
	if len(e.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload too large", ErrMalformed)
	}
	if e.Folded && len(e.Payload) > 0 {
		return fmt.Errorf("%w: folded event with payload", ErrMalformed)
	}
	if len(e.Deps) > proto.MaxEventDeps {
		return fmt.Errorf("%w: too many deps", ErrMalformed)
	}
	if e.Seq > 1 && len(e.Deps) == 0 {
		return fmt.Errorf("%w: seq %d without predecessor", ErrMalformed, e.Seq)
	}
	for i := 1; i < len(e.Deps); i++ {
		if e.Deps[i-1].Compare(e.Deps[i]) >= 0 {
			return fmt.Errorf("%w: deps not canonical", ErrMalformed)
		}
	}
	for _, d := range e.Deps {
		if d == e.Hash {
			return fmt.Errorf("%w: self dependency", ErrMalformed)
		}
	}
	return nil
}

// Verify runs Validate, then checks the author binding, the recomputed hash
// and the signature. It fails closed.
func (e Event) Verify() error {
	if err := e.Validate(); err != nil {
		return err
	}
	if node.DeriveNodeID(e.AuthorPub) != e.Author {
		return fmt.Errorf("%w: author mismatch", ErrBadSignature)
	}
	if hashWithDigest(e.Author, e.Seq, e.Deps, e.PayloadDigest()) != e.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrBadSignature)
	}
	if !node.Verify(e.AuthorPub, e.Hash[:], e.Sig) {
		return ErrBadSignature
	}
	return nil
}

// ToMsg renders the wire form.
func (e Event) ToMsg() proto.EventMsg {
	deps := make([]string, len(e.Deps))
	for i, d := range e.Deps {
		deps[i] = d.String()
	}
	m := proto.EventMsg{
		Type:      proto.MsgTypeEvent,
		Author:    e.Author.String(),
		AuthorPub: hex.EncodeToString(e.AuthorPub),
		Seq:       e.Seq,
		Deps:      deps,
		Hash:      e.Hash.String(),
		Sig:       hex.EncodeToString(e.Sig),
	}
	if e.Folded {
		m.Folded = true
		m.Digest = e.Digest.String()
	} else {
		m.Payload = proto.EncodeBytes(e.Payload)
	}
	return m
}

// FromMsg parses the wire form. The result is not yet verified.
func FromMsg(m proto.EventMsg) (Event, error) {
	var e Event
	var err error
	if e.Author, err = node.ParsePeerID(m.Author); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.AuthorPub, err = hex.DecodeString(m.AuthorPub); err != nil {
		return Event{}, fmt.Errorf("%w: bad author_pub", ErrMalformed)
	}
	if len(m.Deps) > proto.MaxEventDeps {
		return Event{}, fmt.Errorf("%w: too many deps", ErrMalformed)
	}
	for _, raw := range m.Deps {
		d, err := ParseHash(raw)
		if err != nil {
			return Event{}, err
		}
		e.Deps = append(e.Deps, d)
	}
	if m.Folded {
		if m.Payload != "" {
			return Event{}, fmt.Errorf("%w: folded event with payload", ErrMalformed)
		}
		e.Folded = true
		if e.Digest, err = ParseHash(m.Digest); err != nil {
			return Event{}, err
		}
	} else if e.Payload, err = proto.DecodeBytes(m.Payload); err != nil {
		return Event{}, fmt.Errorf("%w: bad payload", ErrMalformed)
	}
	if e.Hash, err = ParseHash(m.Hash); err != nil {
		return Event{}, err
	}
	if e.Sig, err = hex.DecodeString(m.Sig); err != nil {
		return Event{}, fmt.Errorf("%w: bad sig", ErrMalformed)
	}
	e.Seq = m.Seq
	return e, nil
}

func Marshal(e Event) ([]byte, error) {
	return proto.EncodeEventMsg(e.ToMsg())
}

func Unmarshal(data []byte) (Event, error) {
	m, err := proto.DecodeEventMsg(data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromMsg(m)
}

// Write is one key assignment carried by a payload. A JSON null value
// deletes the key.
type Write struct {
	Key   string
	Value json.RawMessage
}

// DecodeWrites extracts key writes from a payload. A payload that is not a
// JSON object writes nothing. Writes are returned sorted by key.
func DecodeWrites(payload []byte) ([]Write, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, nil
	}
	out := make([]Write, 0, len(obj))
	for k, v := range obj {
		if k == "" || len(k) > MaxKeyLen {
			return nil, fmt.Errorf("%w: bad key length", ErrMalformed)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return nil, fmt.Errorf("%w: bad value for %q", ErrMalformed, k)
		}
		out = append(out, Write{Key: k, Value: json.RawMessage(compact.Bytes())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// IsNull reports whether v is the JSON null literal.
func IsNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
