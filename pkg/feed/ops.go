package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/merkle"
)

// Append adds blocks to the end of the feed and returns the index of the
// first one. Data and tree nodes are stored before the new head, so a crash
// never leaves a head that covers missing blocks.
func (f *Feed) Append(ctx context.Context, blocks ...[]byte) (uint64, error) {
	if !f.Writable() {
		return 0, ErrNotWritable
	}
	f.appendMu.Lock()
	defer f.appendMu.Unlock()

	f.mu.RLock()
	closed := f.closed
	start := f.head.Length
	f.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if len(blocks) == 0 {
		return start, nil
	}

	pending := make(map[uint64]merkle.Node)
	get := func(index uint64) (merkle.Node, error) {
		if n, ok := pending[index]; ok {
			return n, nil
		}
		return f.loadNode(ctx, index)
	}

	var size int
	for i, data := range blocks {
		index := start + uint64(i)
		if err := f.store.Put(ctx, f.dataNS, index, data); err != nil {
			return 0, fmt.Errorf("storing block %d: %w", index, err)
		}
		nodes, err := merkle.AppendNodes(f.crypto, get, index, data)
		if err != nil {
			return 0, err
		}
		if err := f.storeNodes(ctx, nodes); err != nil {
			return 0, fmt.Errorf("storing tree for block %d: %w", index, err)
		}
		for _, n := range nodes {
			pending[n.Index] = n
		}
		size += len(data)
	}

	length := start + uint64(len(blocks))
	roots, err := merkle.Roots(get, length)
	if err != nil {
		return 0, err
	}
	head, err := merkle.SignHead(f.crypto, f.name, f.secret, length, roots)
	if err != nil {
		return 0, err
	}
	if err := f.storeHead(ctx, head); err != nil {
		return 0, fmt.Errorf("storing head: %w", err)
	}

	for i, data := range blocks {
		f.blocks.Put(start+uint64(i), data)
	}
	f.setHead(head)
	f.metrics.RecordAppend(f.name, len(blocks), size, length)
	f.logger.Debug("appended", logging.Index(start), logging.Count(len(blocks)), logging.Uint64("length", length))
	return start, nil
}

// Has reports whether block index is stored locally. It never fetches.
func (f *Feed) Has(ctx context.Context, index uint64) bool {
	if _, ok := f.blocks.Get(index); ok {
		return true
	}
	ok, err := f.store.Has(ctx, f.dataNS, index)
	if err != nil {
		f.logger.Warn("block store has failed", logging.Index(index), logging.Error(err))
		return false
	}
	return ok
}

// GetLocal returns block index only if it is stored locally.
func (f *Feed) GetLocal(ctx context.Context, index uint64) ([]byte, error) {
	if data, ok := f.blocks.Get(index); ok {
		f.metrics.RecordCacheLookup(f.name, true)
		return data, nil
	}
	f.metrics.RecordCacheLookup(f.name, false)

	data, err := f.store.Get(ctx, f.dataNS, index)
	if errors.Is(err, blockstore.ErrNotFound) {
		return nil, fmt.Errorf("%s block %d: %w", f.name, index, ErrBlockUnavailable)
	}
	if err != nil {
		return nil, err
	}
	f.blocks.Put(index, data)
	return data, nil
}

// Get returns block index, fetching it from the installed Source when it
// is missing and the feed is a replica. It suspends only the caller.
func (f *Feed) Get(ctx context.Context, index uint64) ([]byte, error) {
	data, err := f.GetLocal(ctx, index)
	if err == nil || !errors.Is(err, ErrBlockUnavailable) {
		return data, err
	}
	if f.Writable() {
		if index >= f.Length() {
			return nil, fmt.Errorf("%s block %d: %w", f.name, index, ErrOutOfRange)
		}
		return nil, err
	}

	src := f.getSource()
	if src == nil {
		return nil, err
	}
	if err := src.Fetch(ctx, f.id, index, func(ctx context.Context, data []byte, proof *merkle.Proof) error {
		return f.PutVerified(ctx, index, data, proof)
	}); err != nil {
		return nil, err
	}
	return f.GetLocal(ctx, index)
}

// Verify checks block data against a proof without storing anything.
func (f *Feed) Verify(index uint64, data []byte, proof *merkle.Proof) bool {
	_, err := f.verify(index, data, proof)
	return err == nil
}

func (f *Feed) verify(index uint64, data []byte, proof *merkle.Proof) ([]merkle.Node, error) {
	if proof == nil || proof.Index != index {
		return nil, fmt.Errorf("%w: proof does not cover block %d", ErrVerificationFailed, index)
	}
	if err := merkle.VerifyHead(f.crypto, f.name, f.key, &proof.Head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	nodes, err := merkle.VerifyProof(f.crypto, data, proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nodes, nil
}

// PutVerified stores a block received from a peer after checking it
// against the signed head its proof carries. The head is adopted when it
// is newer than ours.
func (f *Feed) PutVerified(ctx context.Context, index uint64, data []byte, proof *merkle.Proof) error {
	nodes, err := f.verify(index, data, proof)
	if err != nil {
		f.metrics.RecordVerifyFailure(f.name)
		f.logger.Warn("rejected block", logging.Index(index), logging.Error(err))
		return err
	}
	if f.Writable() {
		// Our own log is authoritative.
		return nil
	}

	if err := f.storeNodes(ctx, nodes); err != nil {
		return err
	}
	if err := f.storeNodes(ctx, proof.Head.Roots); err != nil {
		return err
	}
	if err := f.store.Put(ctx, f.dataNS, index, data); err != nil {
		return fmt.Errorf("storing block %d: %w", index, err)
	}
	f.blocks.Put(index, data)

	if proof.Head.Length > f.Length() {
		if err := f.adoptHead(ctx, proof.Head); err != nil {
			return err
		}
	}
	f.logger.Debug("stored verified block", logging.Index(index))
	return nil
}

// UpdateHead adopts a newer signed head announced by a peer. It reports
// whether the head advanced.
func (f *Feed) UpdateHead(ctx context.Context, head merkle.Head) (bool, error) {
	if err := merkle.VerifyHead(f.crypto, f.name, f.key, &head); err != nil {
		f.metrics.RecordVerifyFailure(f.name)
		return false, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if f.Writable() {
		return false, nil
	}
	cur := f.Head()
	if head.Length < cur.Length || head.Length == cur.Length && cur.Signature != nil {
		return false, nil
	}
	if err := f.storeNodes(ctx, head.Roots); err != nil {
		return false, err
	}
	if err := f.adoptHead(ctx, head); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Feed) adoptHead(ctx context.Context, head merkle.Head) error {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()
	cur := f.Head()
	if head.Length < cur.Length || head.Length == cur.Length && cur.Signature != nil {
		return nil
	}
	if err := f.storeHead(ctx, head); err != nil {
		return fmt.Errorf("storing head: %w", err)
	}
	f.setHead(head)
	f.logger.Debug("adopted head", logging.Uint64("length", head.Length))
	return nil
}

// Proof builds an inclusion proof for block index against the current head.
func (f *Feed) Proof(ctx context.Context, index uint64) (*merkle.Proof, error) {
	head := f.Head()
	if index >= head.Length {
		return nil, fmt.Errorf("%s block %d: %w", f.name, index, ErrOutOfRange)
	}
	return merkle.BuildProof(func(i uint64) (merkle.Node, error) {
		return f.loadNode(ctx, i)
	}, index, head)
}

// Subscribe returns a channel that receives the feed length whenever the
// head advances. Undelivered lengths are replaced by newer ones, so a slow
// reader sees the latest length rather than every step. The channel closes
// when ctx is done or the feed closes.
func (f *Feed) Subscribe(ctx context.Context) <-chan uint64 {
	ch := make(chan uint64, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}()
	return ch
}

// Wait blocks until the feed holds at least length blocks.
func (f *Feed) Wait(ctx context.Context, length uint64) error {
	for {
		f.mu.RLock()
		cur := f.head.Length
		changed := f.changed
		closed := f.closed
		f.mu.RUnlock()

		if cur >= length {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Download fetches every block in [start, end) that is not stored locally.
func (f *Feed) Download(ctx context.Context, start, end uint64) error {
	begin := time.Now()
	var fetched int
	for i := start; i < end; i++ {
		if f.Has(ctx, i) {
			continue
		}
		if _, err := f.Get(ctx, i); err != nil {
			return err
		}
		fetched++
	}
	f.logger.Debug("download complete",
		logging.Uint64("start", start),
		logging.Uint64("end", end),
		logging.Count(fetched),
		logging.Latency(time.Since(begin)))
	return nil
}
