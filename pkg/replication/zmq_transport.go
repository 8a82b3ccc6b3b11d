//go:build zmq
// +build zmq

package replication

import (
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/mdheller/hyperdrive/pkg/logging"
)

// ZMQTransport carries messages over a ZeroMQ PAIR socket. zmq sockets are
// not goroutine safe, so sends are serialized and Close waits for them.
type ZMQTransport struct {
	sock *zmq.Socket
	addr string

	mu     sync.Mutex
	closed bool
}

// ListenZMQ binds a PAIR socket, e.g. "tcp://*:9400".
func ListenZMQ(addr string, logger logging.Logger) (*ZMQTransport, error) {
	return openZMQ(addr, logger, func(s *zmq.Socket) error { return s.Bind(addr) })
}

// DialZMQ connects a PAIR socket, e.g. "tcp://peer:9400".
func DialZMQ(addr string, logger logging.Logger) (*ZMQTransport, error) {
	return openZMQ(addr, logger, func(s *zmq.Socket) error { return s.Connect(addr) })
}

func openZMQ(addr string, logger logging.Logger, connect func(*zmq.Socket) error) (*ZMQTransport, error) {
	cleanup := NewResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return nil, fmt.Errorf("failed to create PAIR socket: %w", err)
	}
	cleanup.Add(zmqCloser{sock}, "PAIR socket")

	if err := sock.SetLinger(0); err != nil {
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := sock.SetMaxmsgsize(MaxFrameSize); err != nil {
		return nil, fmt.Errorf("failed to set max message size: %w", err)
	}
	if err := connect(sock); err != nil {
		return nil, fmt.Errorf("failed to connect PAIR socket to %s: %w", addr, err)
	}

	cleanup.Clear()
	return &ZMQTransport{sock: sock, addr: addr}, nil
}

func (t *ZMQTransport) Addr() string {
	return t.addr
}

func (t *ZMQTransport) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	_, err := t.sock.SendBytes(frame, 0)
	return err
}

func (t *ZMQTransport) Recv() ([]byte, error) {
	frame, err := t.sock.RecvBytes(0)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return frame, nil
}

func (t *ZMQTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.sock.Close()
}

type zmqCloser struct {
	sock *zmq.Socket
}

func (c zmqCloser) Close() error {
	return c.sock.Close()
}
