package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrFrameTooLarge means the peer announced a payload over the 8 KiB
	// cap. This is fatal for the connection.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrDesync means the byte stream no longer tokenizes as frames and
	// ACKs. There is no way to resynchronize, so the connection must close.
	ErrDesync = errors.New("protocol stream desynchronized")
)

// Token is one unit read off the stream: either the two-byte "OK"
// acknowledgement or a length-prefixed frame payload.
type Token struct {
	Ack     bool
	Payload []byte
}

// Codec frames messages over any bidirectional byte stream. Frames are
// [4-byte big-endian length][msgpack payload]; each parsed frame is
// acknowledged with the literal bytes "OK" before the next one is read.
//
// A valid length prefix always starts with 0x00 (the cap is 8192) while
// "OK" starts with 'O', so the first byte of every token disambiguates
// the two even when frames and ACKs interleave on the same stream.
//
// Writes are serialized internally: the read side may emit ACKs while
// another goroutine writes frames.
type Codec struct {
	r   *bufio.Reader
	w   io.Writer
	wmu sync.Mutex
}

func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(rw, MaxFrameSize),
		w: rw,
	}
}

// ReadToken reads the next ACK or frame payload. io.EOF (or any read
// error) is returned as-is so callers can distinguish a clean peer
// disconnect from protocol violations.
func (c *Codec) ReadToken() (Token, error) {
	b0, err := c.r.ReadByte()
	if err != nil {
		return Token{}, err
	}

	if b0 == 'O' {
		b1, err := c.r.ReadByte()
		if err != nil {
			return Token{}, err
		}
		if b1 != 'K' {
			return Token{}, ErrDesync
		}
		return Token{Ack: true}, nil
	}

	var rest [3]byte
	if _, err := io.ReadFull(c.r, rest[:]); err != nil {
		return Token{}, err
	}
	length := binary.BigEndian.Uint32([]byte{b0, rest[0], rest[1], rest[2]})
	if length > MaxFrameSize {
		return Token{}, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Token{}, err
	}
	return Token{Payload: payload}, nil
}

// ReadMessage reads tokens until a frame arrives, acknowledges it and
// decodes the payload. Intended for the handshake and for test clients;
// the session splits these steps across its pumps.
func (c *Codec) ReadMessage() (Message, error) {
	for {
		tok, err := c.ReadToken()
		if err != nil {
			return Message{}, err
		}
		if tok.Ack {
			continue
		}
		if err := c.WriteAck(); err != nil {
			return Message{}, err
		}
		return Decode(tok.Payload)
	}
}

// Decode parses one frame payload into a Message.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if m.Kind == "" {
		return Message{}, errors.New("decode frame: missing kind")
	}
	return m, nil
}

// WriteFrame encodes m and writes one length-prefixed frame. It does not
// wait for the peer's ACK; that is the caller's business because the ACK
// arrives interleaved with inbound frames.
func (c *Codec) WriteFrame(m Message) error {
	payload, err := msgpack.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	_, err = c.w.Write(payload)
	return err
}

// WriteAck writes the two-byte acknowledgement for a parsed frame.
func (c *Codec) WriteAck() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write([]byte("OK"))
	return err
}
