// Package wire implements the length-delimited frame codec shared by the
// control and proxy ports: a 4-byte big-endian length prefix followed by a
// compact tagged-union body (see message.go).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the hard ceiling on a single frame's body length.
// A larger declared length is a fatal protocol error on that socket.
const MaxFrameSize = 1 << 20 // 1 MiB

const lengthPrefixSize = 4

// WriteFrame writes a length-prefixed frame to w. It is total: any body up
// to MaxFrameSize encodes and writes without error unless the underlying
// writer fails.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return &DecodeError{Kind: OversizeFrame, Err: fmt.Errorf("frame body %d bytes exceeds max %d", len(body), MaxFrameSize)}
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r. It returns a
// *DecodeError{Kind: OversizeFrame} if the declared length exceeds
// MaxFrameSize, without reading the (attacker-controlled) body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, &DecodeError{Kind: Truncated, Err: err}
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, &DecodeError{Kind: OversizeFrame, Err: fmt.Errorf("declared frame length %d exceeds max %d", n, MaxFrameSize)}
	}
	if n == 0 {
		return []byte{}, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, &DecodeError{Kind: Truncated, Err: err}
		}
		return nil, err
	}
	return body, nil
}
