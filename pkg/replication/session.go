// Package replication exchanges feed heads and blocks between two drives
// over any message Transport.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/fetch"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/merkle"
	"github.com/mdheller/hyperdrive/pkg/metrics"
)

// ErrSessionClosed is the cause recorded when the local side closes.
var ErrSessionClosed = errors.New("session closed")

// Config describes what a session replicates.
type Config struct {
	// Feeds in dependency order: blocks of a feed may point into the feeds
	// before it, never after.
	Feeds []*feed.Feed
	// Sparse sessions fetch blocks only on demand. Otherwise every block the
	// peer announces is downloaded.
	Sparse bool
	// Fetcher, when set, gets the session registered as a peer before any
	// message is processed.
	Fetcher *fetch.Fetcher
	Logger  logging.Logger
	Metrics *metrics.Registry
}

type response struct {
	data  []byte
	proof *merkle.Proof
	err   error
}

// Session is one replication channel. It implements fetch.Peer.
type Session struct {
	id      string
	t       Transport
	feeds   map[string]*feed.Feed
	order   []*feed.Feed
	sparse  bool
	logger  logging.Logger
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	err       error

	mu       sync.Mutex
	remoteID string
	remote   map[string]*rangeSet
	nextReq  uint64
	pending  map[uint64]chan response
}

var _ fetch.Peer = (*Session)(nil)

// Open starts a session over t. It returns immediately; Ready closes once
// the peer's handshake has been applied.
func Open(t Transport, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.New().String(),
		t:       t,
		feeds:   make(map[string]*feed.Feed, len(cfg.Feeds)),
		order:   cfg.Feeds,
		sparse:  cfg.Sparse,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		remote:  make(map[string]*rangeSet),
		pending: make(map[uint64]chan response),
	}
	s.logger = logging.OrNop(cfg.Logger).With(logging.Component("replication"), logging.Session(s.id))
	for _, f := range cfg.Feeds {
		s.feeds[f.DiscoveryID()] = f
	}
	if cfg.Fetcher != nil {
		cfg.Fetcher.AddPeer(s)
	}

	// Subscribe before the handshake snapshot so no head change falls
	// between the two.
	subs := make([]<-chan uint64, len(s.order))
	for i, f := range s.order {
		subs[i] = f.Subscribe(ctx)
	}

	s.metrics.SessionOpened()
	s.logger.Debug("session opened", logging.Bool("sparse", s.sparse))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.run(subs)
	}()
	return s
}

func (s *Session) ID() string { return s.id }

// RemoteID returns the peer's session id once the handshake arrived.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Ready is closed once the peer's handshake arrived.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session has ended; Err then explains why.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it runs.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Has reports whether the peer announced block index of feedID.
func (s *Session) Has(feedID string, index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.remote[feedID]
	return rs != nil && rs.contains(index)
}

// Request asks the peer for one block and waits for the answer.
func (s *Session) Request(ctx context.Context, feedID string, index uint64) ([]byte, *merkle.Proof, error) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, nil, fetch.ErrReplicationClosed
	default:
	}
	s.nextReq++
	id := s.nextReq
	ch := make(chan response, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(MsgRequest, RequestMessage{ID: id, Feed: feedID, Index: index}); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", fetch.ErrReplicationClosed, err)
	}

	select {
	case r := <-ch:
		return r.data, r.proof, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.done:
		return nil, nil, fetch.ErrReplicationClosed
	}
}

// Close tells the peer the session is ending, tears it down and waits for
// its goroutines.
func (s *Session) Close() error {
	select {
	case <-s.done:
	default:
		if err := s.send(MsgClose, nil); err != nil {
			s.logger.Debug("close message not sent", logging.Error(err))
		}
	}
	s.shutdown(ErrSessionClosed)
	s.wg.Wait()
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.err = cause
		s.cancel()
		if err := s.t.Close(); err != nil {
			s.logger.Debug("transport close failed", logging.Error(err))
		}
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.metrics.SessionClosed()
		if errors.Is(cause, ErrSessionClosed) || errors.Is(cause, fetch.ErrReplicationClosed) {
			s.logger.Debug("session closed", logging.Error(cause))
		} else {
			s.logger.Warn("session failed", logging.Error(cause))
		}
	})
}

func (s *Session) send(t MessageType, payload any) error {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := s.t.Send(frame); err != nil {
		return err
	}
	s.metrics.RecordMessage("sent", t.String(), len(frame))
	return nil
}

// run sends the handshake and then announces every head change.
//
// Feeds are listed in dependency order: a later feed may reference blocks
// of an earlier one. Heads are therefore sampled last to first and
// announced first to last, so the peer never learns of a record before the
// blocks it points at.
func (s *Session) run(subs []<-chan uint64) {
	heads := s.sampleHeads()
	hs := Handshake{
		Session: s.id,
		Version: ProtocolVersion,
		Sparse:  s.sparse,
		Feeds:   make([]FeedState, 0, len(s.order)),
	}
	last := make([]uint64, len(s.order))
	for i, f := range s.order {
		head := heads[i]
		last[i] = head.Length
		st := FeedState{ID: f.DiscoveryID(), Have: s.localRanges(f, 0, head.Length)}
		if head.Signature != nil {
			st.Head = &head
		}
		hs.Feeds = append(hs.Feeds, st)
	}
	if err := s.send(MsgHandshake, hs); err != nil {
		s.shutdown(fmt.Errorf("%w: sending handshake: %v", fetch.ErrReplicationClosed, err))
		return
	}

	wake := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, ch := range subs {
		wg.Add(1)
		go func(ch <-chan uint64) {
			defer wg.Done()
			for range ch {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}(ch)
	}
	defer wg.Wait()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-wake:
		}
		if err := s.announce(s.sampleHeads(), last); err != nil {
			s.shutdown(fmt.Errorf("%w: %v", fetch.ErrReplicationClosed, err))
			return
		}
	}
}

// sampleHeads reads every feed head, last feed first.
func (s *Session) sampleHeads() []merkle.Head {
	heads := make([]merkle.Head, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		heads[i] = s.order[i].Head()
	}
	return heads
}

// announce sends a Have for every feed that grew past last.
func (s *Session) announce(heads []merkle.Head, last []uint64) error {
	for i, f := range s.order {
		head := heads[i]
		if head.Length <= last[i] {
			continue
		}
		msg := HaveMessage{Feed: f.DiscoveryID(), Head: &head, Have: s.localRanges(f, last[i], head.Length)}
		if err := s.send(MsgHave, msg); err != nil {
			return err
		}
		last[i] = head.Length
	}
	return nil
}

// localRanges lists the stored runs of blocks in [start, end).
func (s *Session) localRanges(f *feed.Feed, start, end uint64) []Range {
	if start >= end {
		return nil
	}
	if f.Writable() {
		return []Range{{Start: start, End: end}}
	}
	var out []Range
	for i := start; i < end; i++ {
		if !f.Has(s.ctx, i) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End == i {
			out[n-1].End = i + 1
		} else {
			out = append(out, Range{Start: i, End: i + 1})
		}
	}
	return out
}

func (s *Session) readLoop() {
	for {
		frame, err := s.t.Recv()
		if err != nil {
			s.shutdown(fmt.Errorf("%w: %v", fetch.ErrReplicationClosed, err))
			return
		}
		msg, err := ParseMessage(frame)
		if err != nil {
			s.fail("EBADMSG", err)
			return
		}
		s.metrics.RecordMessage("received", msg.Type.String(), len(frame))
		if stop, err := s.handle(msg); err != nil {
			s.fail("EPROTO", err)
			return
		} else if stop {
			return
		}
	}
}

// fail reports a fatal protocol error to the peer and ends the session.
func (s *Session) fail(code string, err error) {
	_ = s.send(MsgError, ErrorMessage{Code: code, Message: err.Error(), Fatal: true})
	s.shutdown(err)
}

func (s *Session) handle(msg *Message) (stop bool, err error) {
	switch msg.Type {
	case MsgHandshake:
		var hs Handshake
		if err := msg.Decode(&hs); err != nil {
			return false, fmt.Errorf("decoding handshake: %w", err)
		}
		s.onHandshake(&hs)

	case MsgHave:
		var have HaveMessage
		if err := msg.Decode(&have); err != nil {
			return false, fmt.Errorf("decoding have: %w", err)
		}
		s.onHave(have.Feed, have.Head, have.Have)

	case MsgRequest:
		var req RequestMessage
		if err := msg.Decode(&req); err != nil {
			return false, fmt.Errorf("decoding request: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(req)
		}()

	case MsgData:
		var data DataMessage
		if err := msg.Decode(&data); err != nil {
			return false, fmt.Errorf("decoding data: %w", err)
		}
		proof := data.Proof
		s.respond(data.ID, response{data: data.Data, proof: &proof})

	case MsgNoData:
		var nd NoDataMessage
		if err := msg.Decode(&nd); err != nil {
			return false, fmt.Errorf("decoding no-data: %w", err)
		}
		s.mu.Lock()
		if rs := s.remote[nd.Feed]; rs != nil {
			rs.remove(nd.Index)
		}
		s.mu.Unlock()
		s.respond(nd.ID, response{err: fmt.Errorf("%w: %s", fetch.ErrPeerHasNoBlock, nd.Reason)})

	case MsgClose:
		s.shutdown(fmt.Errorf("%w: peer closed the session", fetch.ErrReplicationClosed))
		return true, nil

	case MsgError:
		var em ErrorMessage
		if err := msg.Decode(&em); err != nil {
			return false, fmt.Errorf("decoding error: %w", err)
		}
		s.logger.Warn("peer reported error",
			logging.String("code", em.Code),
			logging.String("message", em.Message),
			logging.Bool("fatal", em.Fatal))
		if em.Fatal {
			s.shutdown(fmt.Errorf("%w: peer error %s: %s", fetch.ErrReplicationClosed, em.Code, em.Message))
			return true, nil
		}

	default:
		s.logger.Debug("ignoring unknown message", logging.String("type", msg.Type.String()))
	}
	return false, nil
}

func (s *Session) onHandshake(hs *Handshake) {
	s.mu.Lock()
	s.remoteID = hs.Session
	s.mu.Unlock()

	if hs.Version != ProtocolVersion {
		s.logger.Warn("peer speaks a different protocol version", logging.String("version", hs.Version))
	}
	for _, st := range hs.Feeds {
		s.onHave(st.ID, st.Head, st.Have)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Debug("handshake applied", logging.Peer(hs.Session), logging.Count(len(hs.Feeds)))
}

func (s *Session) onHave(feedID string, head *merkle.Head, have []Range) {
	f, ok := s.feeds[feedID]
	if !ok {
		return
	}
	signed := head != nil && head.Signature != nil
	if signed {
		if err := merkle.VerifyHead(f.Crypto(), f.Name(), f.Key(), head); err != nil {
			s.logger.Warn("rejected peer head", logging.Feed(feedID), logging.Error(err))
			return
		}
	}

	// Ranges go in before the head is adopted: a reader that sees the new
	// length must find a peer holding the blocks.
	s.mu.Lock()
	rs := s.remote[feedID]
	if rs == nil {
		rs = &rangeSet{}
		s.remote[feedID] = rs
	}
	for _, r := range have {
		rs.add(r.Start, r.End)
	}
	s.mu.Unlock()

	if signed {
		if _, err := f.UpdateHead(s.ctx, *head); err != nil {
			s.logger.Warn("peer head not adopted", logging.Feed(feedID), logging.Error(err))
			return
		}
	}

	if s.sparse || f.Writable() {
		return
	}
	for _, r := range have {
		r := r
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := f.Download(s.ctx, r.Start, r.End); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("eager download stopped",
					logging.Feed(feedID),
					logging.Uint64("start", r.Start),
					logging.Uint64("end", r.End),
					logging.Error(err))
			}
		}()
	}
}

func (s *Session) serve(req RequestMessage) {
	noData := func(reason string) {
		if err := s.send(MsgNoData, NoDataMessage{ID: req.ID, Feed: req.Feed, Index: req.Index, Reason: reason}); err != nil {
			s.logger.Debug("no-data reply failed", logging.Error(err))
		}
	}

	f, ok := s.feeds[req.Feed]
	if !ok {
		noData("unknown feed")
		return
	}
	data, err := f.GetLocal(s.ctx, req.Index)
	if err != nil {
		noData(err.Error())
		return
	}
	proof, err := f.Proof(s.ctx, req.Index)
	if err != nil {
		noData(err.Error())
		return
	}
	if err := s.send(MsgData, DataMessage{ID: req.ID, Feed: req.Feed, Index: req.Index, Data: data, Proof: *proof}); err != nil {
		s.logger.Debug("data reply failed", logging.Index(req.Index), logging.Error(err))
		return
	}
	s.logger.Debug("served block", logging.Feed(req.Feed), logging.Index(req.Index))
}

func (s *Session) respond(id uint64, r response) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// Join pipes two replication streams into each other until either side
// ends, then closes both.
func Join(a, b io.ReadWriteCloser) error {
	var g errgroup.Group
	pipe := func(dst, src io.ReadWriteCloser) func() error {
		return func() error {
			_, err := io.Copy(dst, src)
			a.Close()
			b.Close()
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
	g.Go(pipe(a, b))
	g.Go(pipe(b, a))
	return g.Wait()
}
