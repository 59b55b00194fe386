package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame's JSON payload to guard against a
// malformed or hostile peer claiming an enormous length prefix.
const maxFrameSize = 64 * 1024 * 1024

// ErrFrameTooLarge is returned by Codec.Read when the advertised frame
// length exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrVersionMismatch is returned by Handshake when the peer's
// protocol_version does not match ours.
var ErrVersionMismatch = errors.New("wire: protocol version mismatch")

// Codec reads and writes length-prefixed Frame values over an
// io.ReadWriter. It is not safe for concurrent use by multiple writers
// or multiple readers; callers serialize writes themselves (the
// Sentinel and host connections each own one writer goroutine).
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps rw for framed Frame exchange.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: bufio.NewReader(rw), w: rw}
}

// Write encodes f as JSON, prefixes it with its 4-byte big-endian length,
// and writes both to the underlying transport.
func (c *Codec) Write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// Read blocks until a full frame is available, decodes it, and returns it.
func (c *Codec) Read() (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return f, nil
}

// Handshake performs the version handshake: send our handshake frame,
// read the peer's, and fail the connection on a version mismatch. Both
// sides call this immediately after the transport connects.
func (c *Codec) Handshake(peerID string) (*HandshakePayload, error) {
	out, err := NewFrame(OpHandshake, 0, HandshakePayload{ProtocolVersion: ProtocolVersion, PeerID: peerID})
	if err != nil {
		return nil, err
	}
	// Send and receive concurrently: on an unbuffered transport such as
	// net.Pipe, both sides writing first would block each other forever.
	writeErr := make(chan error, 1)
	go func() { writeErr <- c.Write(out) }()

	in, err := c.Read()
	if err != nil {
		return nil, err
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}
	if in.Op != OpHandshake {
		return nil, fmt.Errorf("wire: expected handshake frame, got %s", in.Op)
	}
	var hp HandshakePayload
	if err := in.Decode(&hp); err != nil {
		return nil, err
	}
	if hp.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: peer=%d local=%d", ErrVersionMismatch, hp.ProtocolVersion, ProtocolVersion)
	}
	return &hp, nil
}
