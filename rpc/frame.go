package rpc

import (
	"encoding/binary"

	"github.com/TheWaWaR/subotai/id"
)

// Magic identifies a subotai wire frame; frames with a different
// magic are dropped at decode time without being mistaken for a
// different protocol's traffic.
const Magic uint32 = 0x53554254 // "SUBT"

// Version is the current wire format version.
const Version uint8 = 1

// headerLen is the fixed portion of every frame: magic(4) | version(1)
// | kind(1) | sender_id(20) | nonce(8) | payload_len(2).
const headerLen = 4 + 1 + 1 + id.Length + 8 + 2

// Frame is one message on the wire: a header plus a kind-specific
// payload (see payload.go for the per-kind encodings).
type Frame struct {
	Kind    Kind
	Sender  id.ID
	Nonce   uint64
	Payload []byte
}

// Encode serializes f, returning ErrFrameTooLarge if the result would
// exceed maxSize (the transport's MTU).
func Encode(f Frame, maxSize int) ([]byte, error) {
	total := headerLen + len(f.Payload)
	if maxSize > 0 && total > maxSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(f.Kind)
	copy(buf[6:6+id.Length], f.Sender[:])
	off := 6 + id.Length
	binary.BigEndian.PutUint64(buf[off:off+8], f.Nonce)
	off += 8
	if len(f.Payload) > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(f.Payload)))
	off += 2
	copy(buf[off:], f.Payload)
	return buf, nil
}

// Decode parses a wire frame, returning ErrFrameMalformed on any
// structural problem: short buffer, bad magic, or a payload_len field
// that does not match the remaining bytes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerLen {
		return Frame{}, ErrFrameMalformed
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return Frame{}, ErrFrameMalformed
	}
	if buf[4] != Version {
		return Frame{}, ErrFrameMalformed
	}
	kind := Kind(buf[5])
	var sender id.ID
	copy(sender[:], buf[6:6+id.Length])
	off := 6 + id.Length
	nonce := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	payloadLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf)-off != payloadLen {
		return Frame{}, ErrFrameMalformed
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[off:])
	return Frame{Kind: kind, Sender: sender, Nonce: nonce, Payload: payload}, nil
}
