package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single message on any transport.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("replication frame too large")

// Transport carries whole messages between two peers. Send may be called
// from several goroutines; Recv is called from one. Close unblocks both.
type Transport interface {
	io.Closer
	Send([]byte) error
	Recv() ([]byte, error)
}

// StreamTransport frames messages over a byte stream with a 4-byte
// big-endian length prefix.
type StreamTransport struct {
	rwc io.ReadWriteCloser

	sendMu sync.Mutex
	header [4]byte
}

// NewStreamTransport wraps rwc. Closing the transport closes rwc.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rwc: rwc}
}

func (t *StreamTransport) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	binary.BigEndian.PutUint32(t.header[:], uint32(len(frame)))
	if _, err := t.rwc.Write(t.header[:]); err != nil {
		return err
	}
	_, err := t.rwc.Write(frame)
	return err
}

func (t *StreamTransport) Recv() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(t.rwc, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(t.rwc, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

func (t *StreamTransport) Close() error {
	return t.rwc.Close()
}
