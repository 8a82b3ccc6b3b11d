package replication

import (
	"errors"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/mdheller/hyperdrive/pkg/logging"
)

// NNGTransport carries messages over an NNG pair socket. Any mangos URL
// scheme works: tcp://, ipc://, inproc://, ws://.
type NNGTransport struct {
	sock mangos.Socket
	addr string
}

// ListenNNG binds a pair socket at addr and returns once it is listening.
// The first peer to dial becomes the other end.
func ListenNNG(addr string, logger logging.Logger) (*NNGTransport, error) {
	return openNNG(addr, logger, func(s mangos.Socket) error { return s.Listen(addr) })
}

// DialNNG connects a pair socket to addr.
func DialNNG(addr string, logger logging.Logger) (*NNGTransport, error) {
	return openNNG(addr, logger, func(s mangos.Socket) error { return s.Dial(addr) })
}

func openNNG(addr string, logger logging.Logger, connect func(mangos.Socket) error) (*NNGTransport, error) {
	cleanup := NewResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := pair.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pair socket: %w", err)
	}
	cleanup.Add(sock, "pair socket")

	if err := sock.SetOption(mangos.OptionMaxRecvSize, MaxFrameSize); err != nil {
		return nil, fmt.Errorf("failed to set max receive size: %w", err)
	}
	if err := connect(sock); err != nil {
		return nil, fmt.Errorf("failed to connect pair socket to %s: %w", addr, err)
	}

	cleanup.Clear()
	return &NNGTransport{sock: sock, addr: addr}, nil
}

func (t *NNGTransport) Addr() string {
	return t.addr
}

// SetSendDeadline bounds how long Send waits for the peer to drain its
// queue. Zero means wait forever.
func (t *NNGTransport) SetSendDeadline(d time.Duration) error {
	return t.sock.SetOption(mangos.OptionSendDeadline, d)
}

func (t *NNGTransport) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return t.sock.Send(frame)
}

func (t *NNGTransport) Recv() ([]byte, error) {
	frame, err := t.sock.Recv()
	if errors.Is(err, mangos.ErrClosed) {
		return nil, ErrTransportClosed
	}
	return frame, err
}

func (t *NNGTransport) Close() error {
	err := t.sock.Close()
	if errors.Is(err, mangos.ErrClosed) {
		return nil
	}
	return err
}

// ErrTransportClosed is returned by Recv once the local side closed.
var ErrTransportClosed = errors.New("transport closed")
