// Package protocol implements the framed RPC wire format: an optional
// 4-byte connection key followed by repeated {u32 length, payload} frames
// (MsgBuf), plus the JobStart/JobMngt/JobEnd and Cache request/reply
// message shapes.
//
// Payloads are encoded with encoding/gob rather than a protoc-generated
// wire format (see DESIGN.md for why). gob is the standard library's own
// answer to "binary RPC encoding without a schema compiler", filling the
// same structural role generated protobuf structs would.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"golang.org/x/xerrors"
)

// CacheMagic is the fixed 64-bit sanity constant prefixing every Cache RPC
// connection.
const CacheMagic uint64 = 0x4f70656e466f7267 // "OpenForg"

// MsgBuf frames and unframes length-prefixed messages over a byte stream.
// It tracks whether the 4-byte connection key has been seen, so the very
// first Send on a connection carries the key and subsequent ones don't.
type MsgBuf struct {
	r    *bufio.Reader
	w    io.Writer
	key  uint32
	sent bool
	seen bool
	recvKey uint32
}

// New wraps rw with key as the connection's identity key, validated against
// the peer's first frame.
func New(rw io.ReadWriter, key uint32) *MsgBuf {
	return &MsgBuf{r: bufio.NewReader(rw), w: rw, key: key}
}

// Send writes one frame: {u32 length, gob(payload)}, preceded by the
// connection key on the first call.
func (m *MsgBuf) Send(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return xerrors.Errorf("encoding message: %w", err)
	}
	if !m.sent {
		if err := binary.Write(m.w, binary.BigEndian, m.key); err != nil {
			return xerrors.Errorf("writing connection key: %w", err)
		}
		m.sent = true
	}
	if err := binary.Write(m.w, binary.BigEndian, uint32(buf.Len())); err != nil {
		return xerrors.Errorf("writing frame length: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return xerrors.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ErrKeyMismatch is returned by Recv when the peer's connection key does
// not match the key New was constructed with.
var ErrKeyMismatch = xerrors.New("protocol: connection key mismatch")

// Recv reads one frame into v. It returns io.EOF once the peer closes the
// connection cleanly (an empty read), matching "EOF = empty T (treated as
// connection closed)" from.
func (m *MsgBuf) Recv(v interface{}) error {
	if !m.seen {
		if err := binary.Read(m.r, binary.BigEndian, &m.recvKey); err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return xerrors.Errorf("reading connection key: %w", err)
		}
		m.seen = true
		if m.recvKey != m.key {
			return ErrKeyMismatch
		}
	}
	var length uint32
	if err := binary.Read(m.r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return xerrors.Errorf("reading frame length: %w", err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(m.r, payload); err != nil {
		return xerrors.Errorf("reading frame payload: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return xerrors.Errorf("decoding message: %w", err)
	}
	return nil
}
