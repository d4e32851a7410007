package proto

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"gossip","topic":"a"}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)
	got, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRejectsEmptyAndOversize(t *testing.T) {
	_, err := EncodeFrame(nil)
	assert.Error(t, err)
	_, err = EncodeFrame(make([]byte, MaxFrameSize+1))
	assert.Error(t, err)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(hdr[:]))
	assert.Error(t, err)
}

func TestReadFrameWithTypeCap(t *testing.T) {
	big := `{"type":"beacon","pad":"` + strings.Repeat("x", 2048) + `"}`
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(big)))
	_, err := ReadFrameWithTypeCap(&buf, 512, MaxSizeForType)
	assert.Error(t, err, "beacon frames are capped")

	buf.Reset()
	gossip := `{"type":"gossip","pad":"` + strings.Repeat("x", 2048) + `"}`
	require.NoError(t, WriteFrame(&buf, []byte(gossip)))
	got, err := ReadFrameWithTypeCap(&buf, 512, MaxSizeForType)
	require.NoError(t, err)
	assert.Equal(t, gossip, string(got))
}

func TestGossipMsgValidation(t *testing.T) {
	id := strings.Repeat("ab", 32)
	data, err := EncodeGossipMsg(GossipMsg{Topic: "meshterm/events/v1", ID: id, Data: "e30=", Hops: 1})
	require.NoError(t, err)
	m, err := DecodeGossipMsg(data)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeGossip, m.Type)
	assert.Equal(t, id, m.ID)

	_, err = EncodeGossipMsg(GossipMsg{Topic: "bad topic", ID: id})
	assert.Error(t, err)
	_, err = DecodeGossipMsg([]byte(`{"type":"gossip","topic":"t","id":"00"}`))
	assert.Error(t, err)
	_, err = DecodeGossipMsg([]byte(`{"type":"ping","topic":"t","id":"` + id + `"}`))
	assert.Error(t, err)
}

func TestControlMsgRejectsUnknownType(t *testing.T) {
	_, err := EncodeControlMsg(ControlMsg{Type: "hello"})
	assert.Error(t, err)
	_, err = DecodeControlMsg([]byte(`{"type":"subscribe","topics":[""]}`))
	assert.Error(t, err)
	m, err := DecodeControlMsg([]byte(`{"type":"ping","nonce":7}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.Nonce)
}

func TestHelloFieldDecoding(t *testing.T) {
	h := strings.Repeat("01", 32)
	m := Hello1Msg{FromNodeID: h, FromPub: h, ToNodeID: strings.Repeat("00", 32), EA: h, Na: h, Sig: "aa"}
	data, err := EncodeHello1Msg(m)
	require.NoError(t, err)
	back, err := DecodeHello1Msg(data)
	require.NoError(t, err)
	f, err := DecodeHello1Fields(back)
	require.NoError(t, err)
	assert.Equal(t, byte(1), f.FromID[0])

	back.EA = "00"
	_, err = DecodeHello1Fields(back)
	assert.Error(t, err)

	_, err = DecodeHello2Msg(data)
	assert.Error(t, err, "hello1 is not a hello2")
}

func TestSealedFrameRejectsEmpty(t *testing.T) {
	data, err := EncodeSealedFrame(SealedFrame{Kind: "ping", Channel: "ctrl", Seq: 1, Box: "AA=="})
	require.NoError(t, err)
	typ, err := PeekType(data)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeSealedFrame, typ)
	f, err := DecodeSealedFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "ctrl", f.Channel)

	_, err = DecodeSealedFrame([]byte(`{"type":"frame","kind":"ping","seq":0,"box":"AA=="}`))
	assert.Error(t, err, "seq starts at 1")
	_, err = DecodeSealedFrame([]byte(`{"type":"frame","kind":"ping","seq":1}`))
	assert.Error(t, err)
	_, err = DecodeSealedFrame([]byte(`{"type":"secure","kind":"ping","seq":1,"box":"AA=="}`))
	assert.Error(t, err)
}
