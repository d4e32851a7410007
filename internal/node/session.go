package node

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"meshterm/internal/crypto"
	"meshterm/internal/proto"
)

const (
	labelChannelNonce = "meshterm:ns:chan:v1"
	labelFrameAAD     = "meshterm:frame:v1"
)

var (
	ErrHandshake    = errors.New("handshake rejected")
	ErrReplay       = errors.New("replayed or out-of-order seq")
	ErrMisaddressed = errors.New("frame not addressed to this session")
)

// SessionState holds the keys of one authenticated peer session and the
// per-channel sequence counters used for replay protection.
type SessionState struct {
	mu             sync.Mutex
	Peer           PeerID
	PeerPub        []byte
	PeerName       string
	PeerListenAddr string
	sendKey        []byte
	recvKey        []byte
	nonceBaseSend  []byte
	nonceBaseRecv  []byte
	sendSeq        map[string]uint64
	recvSeq        map[string]uint64
}

func newSessionState(peer PeerID, pub []byte, keys crypto.SessionKeys) *SessionState {
	return &SessionState{
		Peer:          peer,
		PeerPub:       pub,
		sendKey:       keys.SendKey,
		recvKey:       keys.RecvKey,
		nonceBaseSend: keys.NonceBaseSend,
		nonceBaseRecv: keys.NonceBaseRecv,
		sendSeq:       make(map[string]uint64),
		recvSeq:       make(map[string]uint64),
	}
}

// PendingHandshake is the initiator's state between hello1 and hello2.
type PendingHandshake struct {
	ToID        PeerID
	EA          []byte
	Na          []byte
	Ephemeral   *crypto.Ephemeral
	Hello1Bytes []byte
}

func (p *PendingHandshake) Destroy() {
	if p != nil {
		p.Ephemeral.Destroy()
	}
}

type SessionStore struct {
	mu         sync.Mutex
	sessions   map[PeerID]*SessionState
	lastHello1 map[PeerID][32]byte
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:   make(map[PeerID]*SessionState),
		lastHello1: make(map[PeerID][32]byte),
	}
}

func (s *SessionStore) Get(id PeerID) (*SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	return st, ok
}

func (s *SessionStore) Set(id PeerID, st *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = st
}

// Delete drops the session only if it is still st.
func (s *SessionStore) Delete(id PeerID, st *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[id]; ok && cur == st {
		delete(s.sessions, id)
	}
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// checkAndRecordHello1 reports whether hash repeats the peer's last hello1.
func (s *SessionStore) checkAndRecordHello1(id PeerID, hash [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastHello1[id]; ok && last == hash {
		return true
	}
	s.lastHello1[id] = hash
	return false
}

// Seal encrypts plaintext as the next frame of kind on channel.
func (s *SessionState) Seal(self PeerID, channel, kind string, plaintext []byte) (proto.SealedFrame, error) {
	s.mu.Lock()
	seq := s.sendSeq[channel] + 1
	if seq == 0 {
		s.mu.Unlock()
		return proto.SealedFrame{}, errors.New("send counter exhausted")
	}
	s.sendSeq[channel] = seq
	key, base := s.sendKey, s.nonceBaseSend
	s.mu.Unlock()

	nonce, err := channelNonce(base, channel, seq)
	if err != nil {
		return proto.SealedFrame{}, err
	}
	box, err := crypto.XSealWithNonce(key, nonce, plaintext, frameAAD(self, s.Peer, channel, kind, seq))
	if err != nil {
		return proto.SealedFrame{}, err
	}
	return proto.SealedFrame{
		Type:    proto.MsgTypeSealedFrame,
		Kind:    kind,
		From:    self.String(),
		To:      s.Peer.String(),
		Channel: channel,
		Seq:     seq,
		Box:     proto.EncodeBytes(box),
	}, nil
}

// Open authenticates and decrypts f, rejecting replays per channel.
func (s *SessionState) Open(self PeerID, f proto.SealedFrame) ([]byte, error) {
	if f.From != s.Peer.String() || f.To != self.String() {
		return nil, ErrMisaddressed
	}
	box, err := proto.DecodeBytes(f.Box)
	if err != nil {
		return nil, fmt.Errorf("bad frame box: %w", err)
	}
	s.mu.Lock()
	key, base := s.recvKey, s.nonceBaseRecv
	last := s.recvSeq[f.Channel]
	s.mu.Unlock()
	if f.Seq <= last {
		return nil, ErrReplay
	}
	nonce, err := channelNonce(base, f.Channel, f.Seq)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.XOpen(key, nonce, box, frameAAD(s.Peer, self, f.Channel, f.Kind, f.Seq))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Seq <= s.recvSeq[f.Channel] {
		return nil, ErrReplay
	}
	s.recvSeq[f.Channel] = f.Seq
	return plain, nil
}

func (s *SessionState) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.sendKey)
	crypto.Zero(s.recvKey)
}

// frameAAD is the additional data sealed with each frame: the direction,
// the channel and kind, and the seq. Strings are length-prefixed.
func frameAAD(from, to PeerID, channel, kind string, seq uint64) []byte {
	buf := make([]byte, 0, len(labelFrameAAD)+2*len(from)+8+4+len(channel)+len(kind))
	buf = append(buf, labelFrameAAD...)
	buf = append(buf, from[:]...)
	buf = append(buf, to[:]...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(channel)))
	buf = append(buf, channel...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(kind)))
	buf = append(buf, kind...)
	return buf
}

func channelNonce(base []byte, channel string, seq uint64) ([]byte, error) {
	chBase := crypto.KDF(labelChannelNonce, base, []byte(channel))[:crypto.XNonceSize]
	return crypto.NonceFromBase(chBase, seq)
}

// BuildHello1 starts a handshake towards toID; a zero toID accepts whoever
// answers at the dialed address.
func (n *Node) BuildHello1(toID PeerID, listenAddr string) (proto.Hello1Msg, *PendingHandshake, error) {
	if n == nil || n.Sessions == nil {
		return proto.Hello1Msg{}, nil, errors.New("session store unavailable")
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.Hello1Msg{}, nil, err
	}
	ea, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return proto.Hello1Msg{}, nil, err
	}
	na := make([]byte, 32)
	if _, err := rand.Read(na); err != nil {
		eph.Destroy()
		return proto.Hello1Msg{}, nil, err
	}
	sig, err := n.Sign(hello1SigInput(n.ID, toID, ea, na, listenAddr, n.Name))
	if err != nil {
		eph.Destroy()
		return proto.Hello1Msg{}, nil, err
	}
	msg := proto.Hello1Msg{
		Type:       proto.MsgTypeHello1,
		Version:    proto.ProtoVersion,
		FromNodeID: n.ID.String(),
		FromPub:    hex.EncodeToString(n.PubKey),
		ToNodeID:   toID.String(),
		ListenAddr: listenAddr,
		Name:       n.Name,
		EA:         hex.EncodeToString(ea),
		Na:         hex.EncodeToString(na),
		Sig:        hex.EncodeToString(sig),
	}
	pending := &PendingHandshake{
		ToID:        toID,
		EA:          ea,
		Na:          na,
		Ephemeral:   eph,
		Hello1Bytes: proto.HelloBytes(n.ID, toID, ea, na),
	}
	return msg, pending, nil
}

// HandleHello1 verifies an inbound hello1 and answers with hello2. The
// session is registered in n.Sessions and returned.
func (n *Node) HandleHello1(m proto.Hello1Msg) (proto.Hello2Msg, *SessionState, error) {
	if n == nil || n.Sessions == nil {
		return proto.Hello2Msg{}, nil, errors.New("node unavailable")
	}
	f, err := proto.DecodeHello1Fields(m)
	if err != nil {
		return proto.Hello2Msg{}, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	fromID, toID := PeerID(f.FromID), PeerID(f.ToID)
	if DeriveNodeID(f.FromPub) != fromID {
		return proto.Hello2Msg{}, nil, fmt.Errorf("%w: hello1 from_id mismatch", ErrHandshake)
	}
	if fromID == n.ID {
		return proto.Hello2Msg{}, nil, fmt.Errorf("%w: hello1 from self", ErrHandshake)
	}
	if !toID.IsZero() && toID != n.ID {
		return proto.Hello2Msg{}, nil, fmt.Errorf("%w: hello1 to_id mismatch", ErrHandshake)
	}
	if !Verify(f.FromPub, hello1SigInput(fromID, toID, f.Eph, f.Nonce, m.ListenAddr, m.Name), f.Sig) {
		return proto.Hello2Msg{}, nil, fmt.Errorf("%w: bad hello1 signature", ErrHandshake)
	}
	h1Bytes := proto.HelloBytes(fromID, toID, f.Eph, f.Nonce)
	var h1Hash [32]byte
	copy(h1Hash[:], crypto.SHA3_256(h1Bytes))
	if n.Sessions.checkAndRecordHello1(fromID, h1Hash) {
		return proto.Hello2Msg{}, nil, fmt.Errorf("%w: hello1 replay", ErrHandshake)
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.Hello2Msg{}, nil, err
	}
	defer eph.Destroy()
	eb, err := eph.Public()
	if err != nil {
		return proto.Hello2Msg{}, nil, err
	}
	nb := make([]byte, 32)
	if _, err := rand.Read(nb); err != nil {
		return proto.Hello2Msg{}, nil, err
	}
	sig2, err := n.Sign(hello2SigInput(n.ID, fromID, f.Eph, eb, f.Nonce, nb))
	if err != nil {
		return proto.Hello2Msg{}, nil, err
	}
	h2Bytes := proto.HelloBytes(n.ID, fromID, eb, nb)
	transcript := crypto.SHA3_256(append(h1Bytes, h2Bytes...))
	ss, err := eph.Shared(f.Eph)
	if err != nil {
		return proto.Hello2Msg{}, nil, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	crypto.Zero(ss)
	if err != nil {
		return proto.Hello2Msg{}, nil, err
	}
	crypto.Zero(keys.Master)

	st := newSessionState(fromID, f.FromPub, keys.Swap())
	st.PeerName = m.Name
	st.PeerListenAddr = m.ListenAddr
	n.Sessions.Set(fromID, st)
	return proto.Hello2Msg{
		Type:       proto.MsgTypeHello2,
		Version:    proto.ProtoVersion,
		FromNodeID: n.ID.String(),
		FromPub:    hex.EncodeToString(n.PubKey),
		ToNodeID:   fromID.String(),
		Name:       n.Name,
		EB:         hex.EncodeToString(eb),
		Nb:         hex.EncodeToString(nb),
		Sig:        hex.EncodeToString(sig2),
	}, st, nil
}

// HandleHello2 completes the initiator side of a handshake.
func (n *Node) HandleHello2(m proto.Hello2Msg, pending *PendingHandshake) (*SessionState, error) {
	if n == nil || n.Sessions == nil {
		return nil, errors.New("node unavailable")
	}
	if pending == nil || pending.Ephemeral == nil {
		return nil, fmt.Errorf("%w: missing pending handshake", ErrHandshake)
	}
	defer pending.Destroy()
	f, err := proto.DecodeHello2Fields(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	fromID, toID := PeerID(f.FromID), PeerID(f.ToID)
	if DeriveNodeID(f.FromPub) != fromID {
		return nil, fmt.Errorf("%w: hello2 from_id mismatch", ErrHandshake)
	}
	if toID != n.ID {
		return nil, fmt.Errorf("%w: hello2 to_id mismatch", ErrHandshake)
	}
	if fromID == n.ID {
		return nil, fmt.Errorf("%w: hello2 from self", ErrHandshake)
	}
	if !pending.ToID.IsZero() && pending.ToID != fromID {
		return nil, fmt.Errorf("%w: unexpected responder %s", ErrHandshake, fromID.Short())
	}
	if !Verify(f.FromPub, hello2SigInput(fromID, n.ID, pending.EA, f.Eph, pending.Na, f.Nonce), f.Sig) {
		return nil, fmt.Errorf("%w: bad hello2 signature", ErrHandshake)
	}
	h2Bytes := proto.HelloBytes(fromID, toID, f.Eph, f.Nonce)
	transcript := crypto.SHA3_256(append(append([]byte(nil), pending.Hello1Bytes...), h2Bytes...))
	ss, err := pending.Ephemeral.Shared(f.Eph)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	crypto.Zero(ss)
	if err != nil {
		return nil, err
	}
	crypto.Zero(keys.Master)

	st := newSessionState(fromID, f.FromPub, keys)
	st.PeerName = m.Name
	n.Sessions.Set(fromID, st)
	return st, nil
}

func hello1SigInput(fromID, toID PeerID, ea, na []byte, listenAddr, name string) []byte {
	buf := make([]byte, 0, 16+64+len(ea)+len(na)+len(listenAddr)+len(name)+2)
	buf = append(buf, "meshterm:h1:v1"...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, na...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(listenAddr)))
	buf = append(buf, listenAddr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf
}

func hello2SigInput(fromID, toID PeerID, ea, eb, na, nb []byte) []byte {
	buf := make([]byte, 0, 16+64+len(ea)+len(eb)+len(na)+len(nb))
	buf = append(buf, "meshterm:h2:v1"...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, eb...)
	buf = append(buf, na...)
	buf = append(buf, nb...)
	return buf
}
