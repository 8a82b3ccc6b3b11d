package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/merkle"
)

func newKeyPair(t *testing.T) (crypto.PublicKey, crypto.SecretKey) {
	t.Helper()
	pub, sec, err := crypto.NewDefaultProvider().GenerateKeyPair()
	require.NoError(t, err)
	return pub, sec
}

func openFeed(t *testing.T, opts Options) *Feed {
	t.Helper()
	if opts.Store == nil {
		opts.Store = blockstore.NewMemoryStore()
	}
	if opts.Name == "" {
		opts.Name = "content"
	}
	f, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// peerSource serves blocks straight out of another feed.
type peerSource struct {
	from    *Feed
	tamper  bool
	fetches atomic.Int32
}

func (p *peerSource) Fetch(ctx context.Context, _ string, index uint64, accept Accept) error {
	p.fetches.Add(1)
	data, err := p.from.GetLocal(ctx, index)
	if err != nil {
		return err
	}
	proof, err := p.from.Proof(ctx, index)
	if err != nil {
		return err
	}
	if p.tamper {
		data = append([]byte("evil"), data...)
	}
	return accept(ctx, data, proof)
}

func (p *peerSource) Await(context.Context) error { return nil }

func TestAppendAndGet(t *testing.T) {
	ctx := context.Background()
	pub, sec := newKeyPair(t)
	f := openFeed(t, Options{Key: pub, SecretKey: sec, CacheSize: 4})

	assert.True(t, f.Writable())
	assert.Equal(t, uint64(0), f.Length())

	start, err := f.Append(ctx, []byte("a"), []byte("bb"), []byte("ccc"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)

	start, err = f.Append(ctx, []byte("dddd"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), start)
	assert.Equal(t, uint64(4), f.Length())
	assert.Equal(t, uint64(10), f.ByteLength())

	for i, want := range []string{"a", "bb", "ccc", "dddd"} {
		got, err := f.Get(ctx, uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
		assert.True(t, f.Has(ctx, uint64(i)))
	}

	_, err = f.Get(ctx, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)

	head := f.Head()
	assert.NoError(t, merkle.VerifyHead(f.Crypto(), "content", pub, &head))
}

func TestAppendNotWritable(t *testing.T) {
	pub, _ := newKeyPair(t)
	f := openFeed(t, Options{Key: pub})
	_, err := f.Append(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestOpenRejectsMismatchedKeys(t *testing.T) {
	pub, _ := newKeyPair(t)
	_, sec := newKeyPair(t)
	_, err := Open(context.Background(), Options{Name: "metadata", Key: pub, SecretKey: sec, Store: blockstore.NewMemoryStore()})
	assert.ErrorIs(t, err, crypto.ErrInvalidSecretKey)
}

func TestReopenRestoresHead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub, sec := newKeyPair(t)

	store, err := blockstore.NewFileStore(dir, blockstore.FileOptions{Compression: blockstore.CompressionZstd})
	require.NoError(t, err)
	f, err := Open(ctx, Options{Name: "metadata", Key: pub, SecretKey: sec, Store: store})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.Append(ctx, []byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	require.NoError(t, store.Close())

	store, err = blockstore.NewFileStore(dir, blockstore.FileOptions{})
	require.NoError(t, err)
	defer store.Close()
	f, err = Open(ctx, Options{Name: "metadata", Key: pub, SecretKey: sec, Store: store})
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint64(5), f.Length())
	_, err = f.Append(ctx, []byte("entry-5"))
	require.NoError(t, err)
	got, err := f.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "entry-5", string(got))
}

func TestDiscoveryIDSeparatesNames(t *testing.T) {
	pub, _ := newKeyPair(t)
	p := crypto.NewDefaultProvider()
	assert.NotEqual(t, DiscoveryID(p, pub, "metadata"), DiscoveryID(p, pub, "content"))
	assert.Equal(t, DiscoveryID(p, pub, "content"), DiscoveryID(p, pub, "content"))
	assert.NotContains(t, DiscoveryID(p, pub, "content"), pub.String())
}

func TestSparseGetFetchesAndVerifies(t *testing.T) {
	ctx := context.Background()
	pub, sec := newKeyPair(t)
	writer := openFeed(t, Options{Key: pub, SecretKey: sec})
	for i := 0; i < 7; i++ {
		_, err := writer.Append(ctx, []byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
	}

	replica := openFeed(t, Options{Key: pub})
	src := &peerSource{from: writer}
	replica.SetSource(src)

	assert.False(t, replica.Has(ctx, 5))
	got, err := replica.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "block-5", string(got))
	assert.True(t, replica.Has(ctx, 5))
	assert.False(t, replica.Has(ctx, 4), "only the requested block is stored")
	assert.Equal(t, uint64(7), replica.Length(), "proof head is adopted")

	// Second read is served locally.
	_, err = replica.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.fetches.Load())
}

func TestSparseGetRejectsTamperedBlock(t *testing.T) {
	ctx := context.Background()
	pub, sec := newKeyPair(t)
	writer := openFeed(t, Options{Key: pub, SecretKey: sec})
	_, err := writer.Append(ctx, []byte("genuine"))
	require.NoError(t, err)

	replica := openFeed(t, Options{Key: pub})
	replica.SetSource(&peerSource{from: writer, tamper: true})

	_, err = replica.Get(ctx, 0)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, replica.Has(ctx, 0))
}

func TestGetWithoutSource(t *testing.T) {
	pub, _ := newKeyPair(t)
	replica := openFeed(t, Options{Key: pub})
	_, err := replica.Get(context.Background(), 0)
	assert.ErrorIs(t, err, ErrBlockUnavailable)
}

func TestVerifyRejectsOtherFeedName(t *testing.T) {
	ctx := context.Background()
	pub, sec := newKeyPair(t)
	meta := openFeed(t, Options{Name: "metadata", Key: pub, SecretKey: sec})
	_, err := meta.Append(ctx, []byte("record"))
	require.NoError(t, err)
	proof, err := meta.Proof(ctx, 0)
	require.NoError(t, err)

	content := openFeed(t, Options{Name: "content", Key: pub})
	assert.True(t, meta.Verify(0, []byte("record"), proof))
	assert.False(t, content.Verify(0, []byte("record"), proof))
	assert.False(t, meta.Verify(1, []byte("record"), proof))
}

func TestUpdateHead(t *testing.T) {
	ctx := context.Background()
	pub, sec := newKeyPair(t)
	writer := openFeed(t, Options{Key: pub, SecretKey: sec})
	replica := openFeed(t, Options{Key: pub})

	_, err := writer.Append(ctx, []byte("1"), []byte("2"))
	require.NoError(t, err)

	advanced, err := replica.UpdateHead(ctx, writer.Head())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, uint64(2), replica.Length())

	advanced, err = replica.UpdateHead(ctx, writer.Head())
	require.NoError(t, err)
	assert.False(t, advanced)

	forged := writer.Head()
	forged.Length = 9
	_, err = replica.UpdateHead(ctx, forged)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestWaitAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, sec := newKeyPair(t)
	f := openFeed(t, Options{Key: pub, SecretKey: sec})

	updates := f.Subscribe(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.Wait(ctx, 3))
	}()

	for i := 0; i < 3; i++ {
		_, err := f.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	wg.Wait()

	// Lengths coalesce; the last one delivered is the current length.
	var last uint64
	for last < 3 {
		select {
		case last = <-updates:
		case <-ctx.Done():
			t.Fatal("timed out waiting for head update")
		}
	}
	assert.Equal(t, uint64(3), last)

	short, stop := context.WithCancel(ctx)
	stop()
	assert.ErrorIs(t, f.Wait(short, 10), context.Canceled)
}

func TestDownloadRange(t *testing.T) {
	ctx := context.Background()
	pub, sec := newKeyPair(t)
	writer := openFeed(t, Options{Key: pub, SecretKey: sec})
	for i := 0; i < 4; i++ {
		_, err := writer.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	replica := openFeed(t, Options{Key: pub})
	replica.SetSource(&peerSource{from: writer})

	require.NoError(t, replica.Download(ctx, 0, 4))
	for i := uint64(0); i < 4; i++ {
		assert.True(t, replica.Has(ctx, i))
	}
}
