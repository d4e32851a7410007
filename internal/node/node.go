package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meshterm/internal/crypto"
)

// IdentityDir is the directory under home holding the keypair and name.
const IdentityDir = "identity"

const (
	nameFile     = "name"
	nodeIDLabel  = "meshterm:nodeid:v1"
	maxNameBytes = 64
)

// PeerID is the stable hash of a node's public key.
type PeerID [32]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the 8-char prefix used in logs and terminal frames.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less orders ids bytewise.
func (id PeerID) Less(other PeerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("bad peer id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// Node is the local identity: keypair, derived id and the handshake
// session table.
type Node struct {
	ID       PeerID
	PubKey   []byte
	PrivKey  []byte
	Name     string
	Sessions *SessionStore
}

type Options struct {
	// Name overrides the persisted display name when non-empty.
	Name string
}

// LoadOrCreateIdentity reads the keypair under home/identity, generating and
// persisting a fresh one when none exists. A present but unreadable keypair
// is an error, never a silent regeneration.
func LoadOrCreateIdentity(home string, opts Options) (*Node, error) {
	dir := filepath.Join(home, IdentityDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("identity dir: %w", err)
	}
	pub, priv, err := crypto.LoadKeypair(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(dir, pub, priv); err != nil {
			return nil, fmt.Errorf("save identity: %w", err)
		}
	}
	name, err := loadName(dir, opts.Name)
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:       DeriveNodeID(pub),
		PubKey:   pub,
		PrivKey:  priv,
		Name:     name,
		Sessions: NewSessionStore(),
	}, nil
}

func loadName(dir, override string) (string, error) {
	path := filepath.Join(dir, nameFile)
	if override = strings.TrimSpace(override); override != "" {
		if len(override) > maxNameBytes {
			override = override[:maxNameBytes]
		}
		if err := os.WriteFile(path, []byte(override), 0600); err != nil {
			return "", fmt.Errorf("save name: %w", err)
		}
		return override, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("load name: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (n *Node) Sign(msg []byte) ([]byte, error) {
	if n == nil {
		return nil, errors.New("node unavailable")
	}
	return crypto.Sign(n.PrivKey, msg)
}

// Verify checks sig over msg for pub. It never errors; bad input is false.
func Verify(pub, msg, sig []byte) bool {
	return crypto.Verify(pub, msg, sig)
}

func DeriveNodeID(pub []byte) PeerID {
	var id PeerID
	copy(id[:], crypto.KDF(nodeIDLabel, pub))
	return id
}
