package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

type pipeBuf struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (p *pipeBuf) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeBuf) Write(b []byte) (int, error) { return p.out.Write(b) }

func TestCodec_FrameRoundTrip(t *testing.T) {
	p := &pipeBuf{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := NewCodec(p)

	msg := Message{Kind: KindChat, Sender: "alice", Content: "hi"}
	if err := c.WriteFrame(msg); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	// Feed the written bytes back through the reader.
	p.in.Write(p.out.Bytes())

	tok, err := c.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}
	if tok.Ack {
		t.Fatal("expected frame token, got ack")
	}

	got, err := Decode(tok.Payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Kind != KindChat || got.Sender != "alice" || got.Content != "hi" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCodec_AckToken(t *testing.T) {
	p := &pipeBuf{in: bytes.NewBufferString("OK"), out: &bytes.Buffer{}}
	c := NewCodec(p)

	tok, err := c.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}
	if !tok.Ack {
		t.Error("expected ack token")
	}
}

func TestCodec_AckInterleavedWithFrame(t *testing.T) {
	p := &pipeBuf{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := NewCodec(p)

	if err := c.WriteFrame(Message{Kind: KindPing}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	// Peer sends a frame first, then the ack for ours.
	p.in.Write(p.out.Bytes())
	p.in.WriteString("OK")

	tok, err := c.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}
	if tok.Ack {
		t.Fatal("first token should be the frame")
	}
	tok, err = c.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}
	if !tok.Ack {
		t.Error("second token should be the ack")
	}
}

func TestCodec_OversizeFrame(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 9000)
	p := &pipeBuf{in: bytes.NewBuffer(hdr[:]), out: &bytes.Buffer{}}
	c := NewCodec(p)

	_, err := c.ReadToken()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCodec_GarbageAck(t *testing.T) {
	p := &pipeBuf{in: bytes.NewBufferString("Oops"), out: &bytes.Buffer{}}
	c := NewCodec(p)

	_, err := c.ReadToken()
	if !errors.Is(err, ErrDesync) {
		t.Errorf("expected ErrDesync, got %v", err)
	}
}

func TestCodec_EOF(t *testing.T) {
	p := &pipeBuf{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := NewCodec(p)

	_, err := c.ReadToken()
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Error("expected error for malformed msgpack")
	}
}

func TestDecode_MissingKind(t *testing.T) {
	p := &pipeBuf{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := NewCodec(p)
	if err := c.WriteFrame(Message{Content: "no kind"}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	p.in.Write(p.out.Bytes())
	tok, err := c.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}
	if _, err := Decode(tok.Payload); err == nil {
		t.Error("expected error for missing kind")
	}
}

func TestValidUsername(t *testing.T) {
	valid := []string{"alice", "Bob123", "user_name", "user-name", "a"}
	for _, name := range valid {
		if !ValidUsername(name) {
			t.Errorf("%q should be valid", name)
		}
	}

	invalid := []string{"", "user name", "user@name", "user.name",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} // 33 chars
	for _, name := range invalid {
		if ValidUsername(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestChunkFitsFrameCap(t *testing.T) {
	p := &pipeBuf{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := NewCodec(p)
	chunk := Message{
		Kind:   KindFileChunk,
		FileID: "01234567-89ab-cdef-0123-456789abcdef",
		Seq:    1 << 40,
		Data:   bytes.Repeat([]byte{0xAA}, MaxChunkData),
	}
	if err := c.WriteFrame(chunk); err != nil {
		t.Fatalf("max-size chunk should fit the frame cap: %v", err)
	}
}
