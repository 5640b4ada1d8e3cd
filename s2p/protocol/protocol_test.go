package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func sessionKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(0x40 + i)
	}
	return key
}

func TestMessageTypeNames(t *testing.T) {
	for ty := MessageTypeText; ty <= MessageTypeWord; ty++ {
		parsed, err := ParseMessageType(ty.String())
		if err != nil {
			t.Fatalf("ParseMessageType(%s): %v", ty, err)
		}
		if parsed != ty {
			t.Fatalf("parsed %s as %s", ty, parsed)
		}
	}
	if _, err := ParseMessageType("BOGUS"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if !MessageTypePairRequest.IsHandshake() || MessageTypeText.IsHandshake() {
		t.Fatalf("IsHandshake mismatch")
	}
	if MessageTypeAck.NeedsAck() || MessageTypeHeartbeat.NeedsAck() || !MessageTypeWord.NeedsAck() {
		t.Fatalf("NeedsAck mismatch")
	}
}

func TestEncodeDecode(t *testing.T) {
	m := Message{Version: Version, Type: MessageTypeText, Payload: "hello", Timestamp: 1700000000000}
	m.Sign(nil)
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Fatalf("encoded message must end with newline")
	}
	if !bytes.Contains(b, []byte(`"t":"TEXT"`)) || !bytes.Contains(b, []byte(`"ts":1700000000000`)) {
		t.Fatalf("unexpected wire form %s", b)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != m {
		t.Fatalf("decoded %+v, want %+v", got, m)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `hello`,
		"bad version":  `{"v":2,"t":"TEXT","p":"","ts":1,"cs":"00000000"}`,
		"unknown type": `{"v":1,"t":"NOPE","p":"","ts":1,"cs":"00000000"}`,
		"no type":      `{"v":1,"p":"","ts":1,"cs":"00000000"}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Decode([]byte(`{"v":2,"t":"TEXT","p":"","ts":1,"cs":""}`)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestSealOpenEncrypted(t *testing.T) {
	key := sessionKey()
	m := New(MessageTypeText, "secret words")
	if err := m.Seal(key); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if m.Payload == "secret words" {
		t.Fatalf("payload must be encrypted")
	}

	wire, _ := m.Encode()
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := got.Open(key); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Payload != "secret words" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := sessionKey()
	m := New(MessageTypeCommand, "ENTER")
	if err := m.Seal(key); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := m
	tampered.Timestamp++
	if err := tampered.Open(key); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	other := sessionKey()
	other[0] ^= 0xff
	wrongKey := m
	if err := wrongKey.Open(other); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("wrong key: expected ErrChecksumMismatch, got %v", err)
	}

	// A forged checksum over garbage ciphertext still fails decryption.
	forged := m
	forged.Payload = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	forged.Sign(key)
	if err := forged.Open(key); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestHandshakeStaysPlaintext(t *testing.T) {
	m := New(MessageTypePairRequest, `{"peerId":"a"}`)
	if err := m.Seal(sessionKey()); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if m.Payload != `{"peerId":"a"}` {
		t.Fatalf("handshake payload must stay plaintext")
	}
	if err := m.Verify(nil); err != nil {
		t.Fatalf("handshake must verify with the empty secret: %v", err)
	}
	if err := m.Verify(HandshakeSecret); err != nil {
		t.Fatalf("Verify(HandshakeSecret): %v", err)
	}
	if err := m.Verify(sessionKey()); err == nil {
		t.Fatalf("handshake signed with session key should not verify")
	}
}

func TestVerifyCaseInsensitive(t *testing.T) {
	m := New(MessageTypeHeartbeat, "")
	m.Sign(nil)
	m.Checksum = strings.ToUpper(m.Checksum)
	if err := m.Open(nil); err != nil {
		t.Fatalf("upper-case checksum must verify: %v", err)
	}
}

func TestAck(t *testing.T) {
	ack := NewAck(1700000000123)
	ts, err := ack.AckedTimestamp()
	if err != nil {
		t.Fatalf("AckedTimestamp: %v", err)
	}
	if ts != 1700000000123 {
		t.Fatalf("ts = %d", ts)
	}
	bad := New(MessageTypeAck, "soon")
	if _, err := bad.AckedTimestamp(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestPairPayloads(t *testing.T) {
	req := PairRequest{PeerID: "android-1", DisplayName: "Pixel", PublicKey: "abc="}
	s, err := EncodePayload(req)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if !strings.Contains(s, `"displayName":"Pixel"`) {
		t.Fatalf("unexpected pair request %s", s)
	}

	var ack PairAck
	if err := DecodePayload(`{"peerId":"linux-2","success":false,"error":"rejected"}`, &ack); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ack.Success || ack.Error != "rejected" || ack.PeerID != "linux-2" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if err := DecodePayload("{", &ack); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestCommands(t *testing.T) {
	for _, in := range []string{"enter", "Select_All", " COPY ", "paste", "cut", "cancel"} {
		if _, err := ParseCommand(in); err != nil {
			t.Fatalf("ParseCommand(%q): %v", in, err)
		}
	}
	c, _ := ParseCommand("select_all")
	if c != CommandSelectAll {
		t.Fatalf("c = %s", c)
	}
	if _, err := ParseCommand("UNDO"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestWordStream(t *testing.T) {
	ws := NewWordStream()
	first := ws.Next("hello")
	second := ws.Next("world")
	if *first.Seq != 0 || *second.Seq != 1 {
		t.Fatalf("unexpected sequence %d %d", *first.Seq, *second.Seq)
	}
	if first.Session != ws.Session() || len(ws.Session()) != 36 {
		t.Fatalf("unexpected session %q", first.Session)
	}

	payload, err := EncodePayload(second)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	w, err := ParseWord(payload)
	if err != nil {
		t.Fatalf("ParseWord: %v", err)
	}
	if w.Word != "world" || *w.Seq != 1 {
		t.Fatalf("unexpected word %+v", w)
	}

	w, err = ParseWord(`{"word":"hi","session":"s1"}`)
	if err != nil || w.Seq != nil {
		t.Fatalf("seq must be optional: %+v %v", w, err)
	}
	if _, err := ParseWord(`{"word":"","session":"s"}`); !errors.Is(err, ErrEmptyWord) {
		t.Fatalf("expected ErrEmptyWord, got %v", err)
	}
}

func BenchmarkSealOpen(b *testing.B) {
	key := sessionKey()
	for i := 0; i < b.N; i++ {
		m := New(MessageTypeText, "benchmark payload")
		if err := m.Seal(key); err != nil {
			b.Fatal(err)
		}
		if err := m.Open(key); err != nil {
			b.Fatal(err)
		}
	}
}
