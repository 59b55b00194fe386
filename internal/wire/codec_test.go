package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	out, err := NewFrame(OpProgress, 42, map[string]any{"items_done": 7})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if err := codec.Write(out); err != nil {
		t.Fatalf("write: %v", err)
	}

	in, err := codec.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if in.Op != OpProgress || in.ReplyID != 42 {
		t.Fatalf("frame header mangled: %+v", in)
	}
	var p struct {
		ItemsDone int `json:"items_done"`
	}
	if err := in.Decode(&p); err != nil || p.ItemsDone != 7 {
		t.Fatalf("payload mangled: %+v %v", p, err)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], maxFrameSize+1)
	buf.Write(lenPrefix[:])

	codec := NewCodec(&buf)
	if _, err := codec.Read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestHandshakeAgreesOnVersion(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := NewCodec(b).Handshake("server")
		done <- err
	}()

	peer, err := NewCodec(a).Handshake("client")
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if peer.PeerID != "server" || peer.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		codec := NewCodec(b)
		old, _ := NewFrame(OpHandshake, 0, HandshakePayload{ProtocolVersion: ProtocolVersion + 1, PeerID: "old"})
		codec.Write(old)
		codec.Read()
	}()

	if _, err := NewCodec(a).Handshake("client"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}
