package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/metadata"
	"github.com/mdheller/hyperdrive/pkg/metrics"
	"github.com/mdheller/hyperdrive/pkg/replication"
	"github.com/mdheller/hyperdrive/pkg/validation"
)

func newDrive(t testing.TB, mutate ...func(*Options)) *Drive {
	t.Helper()
	opts := DefaultOptions()
	for _, fn := range mutate {
		fn(&opts)
	}
	d, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func cloneOf(t testing.TB, src *Drive, sparse bool) *Drive {
	t.Helper()
	return newDrive(t, func(o *Options) {
		o.Key = src.Key()
		o.Sparse = sparse
		o.FetchTimeout = 5 * time.Second
	})
}

// connect replicates a and b over an in-memory pipe until either closes.
func connect(t testing.TB, a, b *Drive) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sa, err := a.Replicate(ctx)
	require.NoError(t, err)
	sb, err := b.Replicate(ctx)
	require.NoError(t, err)
	go replication.Join(sa, sb)
}

func requireCode(t testing.TB, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, Code(err), "error: %v", err)
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	assert.True(t, d.Writable())
	assert.Equal(t, uint64(0), d.Version())

	require.NoError(t, d.WriteFile(ctx, "/hello.txt", []byte("world")))

	data, err := d.ReadFile(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	st, err := d.Stat(ctx, "hello.txt")
	require.NoError(t, err)
	assert.True(t, st.IsFile())
	assert.Equal(t, "/hello.txt", st.Path)
	assert.Equal(t, uint64(5), st.Size)
	assert.Equal(t, uint64(1), st.Blocks)
	assert.Equal(t, uint64(0), st.Version)
	assert.Equal(t, uint64(1), d.Version())
}

func TestWriteAndReadParallel(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)

	const n = 256
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return d.WriteFile(ctx, fmt.Sprintf("/file-%d.txt", i), []byte(strconv.Itoa(i)))
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(n), d.Version())

	for i := 0; i < n; i++ {
		g.Go(func() error {
			data, err := d.ReadFile(ctx, fmt.Sprintf("/file-%d.txt", i))
			if err != nil {
				return err
			}
			if string(data) != strconv.Itoa(i) {
				return fmt.Errorf("file %d: got %q", i, data)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestLargeFileSpansChunks(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t, func(o *Options) { o.ChunkSize = 16 })

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.WriteFile(ctx, "/big", data))

	st, err := d.Stat(ctx, "/big")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), st.Blocks)

	r, err := d.CreateReadStream(ctx, "/big")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSparseReplicaReadsStream(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	require.NoError(t, archive.WriteFile(ctx, "/hello.txt", []byte("world")))

	clone := cloneOf(t, archive, true)
	assert.False(t, clone.Writable())
	assert.Equal(t, archive.DiscoveryKey(), clone.DiscoveryKey())
	connect(t, archive, clone)

	r, err := clone.CreateReadStream(ctx, "/hello.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	select {
	case <-clone.ContentReady():
	case <-time.After(5 * time.Second):
		t.Fatal("content feed never became ready")
	}
}

func TestNonSparseReplicaDownloadsEverything(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, archive.WriteFile(ctx, fmt.Sprintf("/f%d", i), []byte(strconv.Itoa(i))))
	}

	clone := cloneOf(t, archive, false)
	connect(t, archive, clone)
	require.NoError(t, clone.Update(ctx))

	require.Eventually(t, func() bool {
		for _, f := range []*feed.Feed{clone.MetadataFeed(), clone.ContentFeed()} {
			if f.Length() != 5 {
				return false
			}
			for i := uint64(0); i < 5; i++ {
				if !f.Has(ctx, i) {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	data, err := clone.ReadFile(ctx, "/f3", Cached())
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}

func TestReplicaSeesLiveWrites(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	clone := cloneOf(t, archive, true)
	connect(t, archive, clone)
	require.NoError(t, clone.Update(ctx))

	require.NoError(t, archive.WriteFile(ctx, "/later.txt", []byte("hi")))
	require.Eventually(t, func() bool { return clone.Version() == 1 }, 5*time.Second, 10*time.Millisecond)

	data, err := clone.ReadFile(ctx, "/later.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestReplicaIsNotWritable(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	clone := cloneOf(t, archive, true)

	requireCode(t, clone.WriteFile(ctx, "/x", []byte("x")), EPERM)
	requireCode(t, clone.Mkdir(ctx, "/d"), EPERM)
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	require.NoError(t, d.WriteFile(ctx, "/hello.txt", []byte("world")))
	require.NoError(t, d.Unlink(ctx, "/hello.txt"))

	_, err := d.ReadFile(ctx, "/hello.txt")
	requireCode(t, err, ENOENT)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, &Error{Code: ENOENT})

	requireCode(t, d.Unlink(ctx, "/hello.txt"), ENOENT)
	requireCode(t, d.Access(ctx, "/hello.txt"), ENOENT)

	require.NoError(t, d.Mkdir(ctx, "/dir"))
	requireCode(t, d.Unlink(ctx, "/dir"), EISDIR)
}

func TestRootAlwaysExists(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)

	st, err := d.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	names, err := d.Readdir(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, names)

	requireCode(t, d.Mkdir(ctx, "/"), EEXIST)
	requireCode(t, d.WriteFile(ctx, "/", nil), EISDIR)
	requireCode(t, d.Rmdir(ctx, "/"), EINVAL)
	requireCode(t, d.Unlink(ctx, "/"), EISDIR)
}

func TestProvidedKeyPair(t *testing.T) {
	ctx := context.Background()
	key, secret, err := crypto.NewDefaultProvider().GenerateKeyPair()
	require.NoError(t, err)

	d := newDrive(t, func(o *Options) {
		o.Key = key
		o.SecretKey = secret
	})
	assert.True(t, d.Writable())
	assert.True(t, d.Key().Equal(key))

	require.NoError(t, d.WriteFile(ctx, "/hello.txt", []byte("world")))
	data, err := d.ReadFile(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestInvalidOptions(t *testing.T) {
	ctx := context.Background()
	_, secret, err := crypto.NewDefaultProvider().GenerateKeyPair()
	require.NoError(t, err)
	otherKey, _, err := crypto.NewDefaultProvider().GenerateKeyPair()
	require.NoError(t, err)

	cases := map[string]Options{
		"chunk size not a power of two": {ChunkSize: 1000},
		"negative cache":                {MetadataCacheSize: -1},
		"secret without key":            {SecretKey: secret},
		"mismatched keypair":            {Key: otherKey, SecretKey: secret},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(ctx, opts)
			requireCode(t, err, EINVAL)
		})
	}
}

func TestWithoutCaches(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t, func(o *Options) {
		o.MetadataCacheSize = 0
		o.ContentCacheSize = 0
		o.TreeCacheSize = 0
	})
	require.NoError(t, d.WriteFile(ctx, "/a", []byte("1")))
	require.NoError(t, d.WriteFile(ctx, "/a", []byte("2")))

	data, err := d.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestDownloadVersion(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	require.NoError(t, archive.WriteFile(ctx, "/first.txt", []byte("first")))
	require.NoError(t, archive.WriteFile(ctx, "/second.txt", []byte("second")))
	require.NoError(t, archive.WriteFile(ctx, "/third.txt", []byte("third")))

	clone := cloneOf(t, archive, true)
	connect(t, archive, clone)
	require.NoError(t, clone.Update(ctx))
	require.Equal(t, uint64(3), clone.Version())

	co, err := clone.Checkout(2)
	require.NoError(t, err)
	require.NoError(t, co.Download(ctx))

	data, err := co.ReadFile(ctx, "/second.txt", Cached())
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	data, err = co.ReadFile(ctx, "/first.txt", Cached())
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	_, err = clone.ReadFile(ctx, "/third.txt", Cached())
	requireCode(t, err, ENOTCACHED)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Block not downloaded", de.Message())

	data, err = clone.ReadFile(ctx, "/third.txt")
	require.NoError(t, err)
	assert.Equal(t, "third", string(data))
}

func TestCheckout(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	require.NoError(t, d.WriteFile(ctx, "/a", []byte("one")))
	require.NoError(t, d.WriteFile(ctx, "/a", []byte("two")))
	require.NoError(t, d.WriteFile(ctx, "/b", []byte("bee")))

	co, err := d.Checkout(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), co.Version())

	data, err := co.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	requireCode(t, co.Access(ctx, "/b"), ENOENT)

	names, err := co.Readdir(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	require.NoError(t, d.Unlink(ctx, "/a"))
	data, err = co.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	requireCode(t, co.WriteFile(ctx, "/c", []byte("c")), EROFS)
	requireCode(t, co.Mkdir(ctx, "/c"), EROFS)
	requireCode(t, co.Unlink(ctx, "/a"), EROFS)
	requireCode(t, co.Rmdir(ctx, "/c"), EROFS)

	empty, err := co.Checkout(0)
	require.NoError(t, err)
	requireCode(t, empty.Access(ctx, "/a"), ENOENT)

	_, err = co.Checkout(2)
	requireCode(t, err, EINVAL)
	_, err = d.Checkout(100)
	requireCode(t, err, EINVAL)
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	require.NoError(t, d.Mkdir(ctx, "/d", WithMode(0o700)))
	require.NoError(t, d.WriteFile(ctx, "/d/x", []byte("x")))
	require.NoError(t, d.WriteFile(ctx, "/d/y/z", []byte("z")))

	names, err := d.Readdir(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, names)

	st, err := d.Stat(ctx, "/d")
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, os.ModeDir|0o700, st.Mode)

	st, err = d.Stat(ctx, "/d/y")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	requireCode(t, d.Mkdir(ctx, "/d"), EEXIST)
	requireCode(t, d.Mkdir(ctx, "/d/y"), EEXIST)
	requireCode(t, d.WriteFile(ctx, "/d", nil), EISDIR)
	requireCode(t, d.WriteFile(ctx, "/d/x/q", nil), ENOTDIR)
	requireCode(t, d.Mkdir(ctx, "/d/x/q"), ENOTDIR)
	requireCode(t, d.Rmdir(ctx, "/d/x"), ENOTDIR)
	requireCode(t, d.Rmdir(ctx, "/d"), ENOTEMPTY)
	_, err = d.Readdir(ctx, "/d/x")
	requireCode(t, err, ENOTDIR)
	_, err = d.ReadFile(ctx, "/d")
	requireCode(t, err, EISDIR)

	require.NoError(t, d.Unlink(ctx, "/d/x"))
	require.NoError(t, d.Unlink(ctx, "/d/y/z"))
	requireCode(t, d.Access(ctx, "/d/y"), ENOENT)
	require.NoError(t, d.Rmdir(ctx, "/d"))
	requireCode(t, d.Access(ctx, "/d"), ENOENT)
}

func TestInvalidPaths(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	requireCode(t, d.WriteFile(ctx, "", []byte("x")), EINVAL)
	requireCode(t, d.WriteFile(ctx, "/a\x00b", []byte("x")), EINVAL)
	_, err := d.ReadFile(ctx, "")
	requireCode(t, err, EINVAL)
	assert.ErrorIs(t, err, validation.ErrInvalidPath)
}

func TestWriteOptions(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, d.WriteFile(ctx, "/x", []byte("x"), WithMode(0o600), WithMtime(mtime)))

	st, err := d.Stat(ctx, "/x")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode)
	assert.True(t, st.Mtime.Equal(mtime))

	ctime := st.Ctime
	require.NoError(t, d.WriteFile(ctx, "/x", []byte("y")))
	st, err = d.Stat(ctx, "/x")
	require.NoError(t, err)
	assert.True(t, st.Ctime.Equal(ctime))
	assert.Equal(t, os.FileMode(0o644), st.Mode)
}

func TestDirectoryStream(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)

	const n = 1000
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := strconv.Itoa(i)
		require.NoError(t, d.WriteFile(ctx, "/"+name, []byte(name)))
		want = append(want, name)
	}
	sort.Strings(want)

	s, err := d.CreateDirectoryStream(ctx, "/")
	require.NoError(t, err)
	entries, err := s.Collect(ctx)
	require.NoError(t, err)

	got := make([]string, 0, len(entries))
	for _, e := range entries {
		assert.True(t, e.Stat.IsFile())
		got = append(got, e.Name)
	}
	sort.Strings(got)
	assert.Equal(t, want, got)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	s.Restart()
	first, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "999", first.Name)
}

func TestDirectoryStreamSubtree(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	require.NoError(t, d.WriteFile(ctx, "/a/1", []byte("1")))
	require.NoError(t, d.WriteFile(ctx, "/a/b/2", []byte("2")))
	require.NoError(t, d.WriteFile(ctx, "/a/1", []byte("one")))
	require.NoError(t, d.WriteFile(ctx, "/ab", []byte("x")))
	require.NoError(t, d.WriteFile(ctx, "/a/gone", []byte("x")))
	require.NoError(t, d.Unlink(ctx, "/a/gone"))

	s, err := d.CreateDirectoryStream(ctx, "/a")
	require.NoError(t, err)
	entries, err := s.Collect(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"1", "b/2"}, names)
	assert.Equal(t, uint64(3), entries[0].Stat.Size)

	_, err = d.CreateDirectoryStream(ctx, "/ab")
	requireCode(t, err, ENOTDIR)
	_, err = d.CreateDirectoryStream(ctx, "/missing")
	requireCode(t, err, ENOENT)

	co, err := d.Checkout(2)
	require.NoError(t, err)
	s, err = co.CreateDirectoryStream(ctx, "/")
	require.NoError(t, err)
	entries, err = s.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	require.NoError(t, d.WriteFile(ctx, "/a/before", []byte("x")))

	events := make(chan metadata.Entry, 16)
	w, err := d.Watch("/a", func(e metadata.Entry) { events <- e })
	require.NoError(t, err)

	require.NoError(t, d.WriteFile(ctx, "/a/1", []byte("1")))
	require.NoError(t, d.WriteFile(ctx, "/b/1", []byte("1")))
	require.NoError(t, d.WriteFile(ctx, "/ab", []byte("1")))
	require.NoError(t, d.Unlink(ctx, "/a/1"))

	for _, want := range []struct {
		path    string
		deleted bool
	}{{"/a/1", false}, {"/a/1", true}} {
		select {
		case e := <-events:
			assert.Equal(t, want.path, e.Path)
			assert.Equal(t, want.deleted, e.Deleted)
		case <-time.After(5 * time.Second):
			t.Fatalf("no event for %s", want.path)
		}
	}

	w.Unsubscribe()
	require.NoError(t, d.WriteFile(ctx, "/a/2", []byte("2")))
	select {
	case e := <-events:
		t.Fatalf("event after unsubscribe: %s", e.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchOnReplica(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	clone := cloneOf(t, archive, true)
	connect(t, archive, clone)
	require.NoError(t, clone.Update(ctx))

	events := make(chan string, 4)
	_, err := clone.Watch("/", func(e metadata.Entry) { events <- e.Path })
	require.NoError(t, err)

	require.NoError(t, archive.WriteFile(ctx, "/remote.txt", []byte("hi")))
	select {
	case p := <-events:
		assert.Equal(t, "/remote.txt", p)
	case <-time.After(5 * time.Second):
		t.Fatal("replica watcher saw nothing")
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	d, err := New(ctx, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, d.WriteFile(ctx, "/x", []byte("x")))
	co, err := d.Checkout(1)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.WriteFile(ctx, "/y", []byte("y")), ErrClosed)
	_, err = d.ReadFile(ctx, "/x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = co.ReadFile(ctx, "/x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Replicate(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Watch("/", func(metadata.Entry) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseEndsReplication(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	clone := cloneOf(t, archive, true)
	connect(t, archive, clone)
	require.NoError(t, clone.Update(ctx))
	require.Eventually(t, func() bool { return archive.Peers() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, clone.Close())
	require.Eventually(t, func() bool { return archive.Peers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSparseReplicaWithoutPeerReportsNoData(t *testing.T) {
	ctx := context.Background()
	archive := newDrive(t)
	require.NoError(t, archive.WriteFile(ctx, "/a", []byte("first")))
	require.NoError(t, archive.WriteFile(ctx, "/b", []byte("second")))
	clone := cloneOf(t, archive, true)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sa, err := archive.Replicate(rctx)
	require.NoError(t, err)
	sb, err := clone.Replicate(rctx)
	require.NoError(t, err)
	go replication.Join(sa, sb)

	require.NoError(t, clone.Update(ctx))
	require.Eventually(t, func() bool { return clone.Version() == 2 }, 5*time.Second, 10*time.Millisecond)
	data, err := clone.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	cancel()
	require.Eventually(t, func() bool { return clone.Peers() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, err = clone.ReadFile(ctx, "/b")
	requireCode(t, err, ENODATA)

	data, err = clone.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrNotFound, ENOENT},
		{ErrNotADirectory, ENOTDIR},
		{ErrIsADirectory, EISDIR},
		{ErrExist, EEXIST},
		{ErrNotEmpty, ENOTEMPTY},
		{ErrReadOnlyView, EROFS},
		{feed.ErrNotWritable, EPERM},
		{ErrInvalidVersion, EINVAL},
		{validation.ErrInvalidPath, EINVAL},
		{fmt.Errorf("%w: %w", feed.ErrBlockUnavailable, errors.New("replication closed")), ENODATA},
		{feed.ErrVerificationFailed, EBADMSG},
		{context.DeadlineExceeded, ENODATA},
		{fmt.Errorf("%w: wrapped", ErrNotCached), ENOTCACHED},
		{errors.New("disk on fire"), EIO},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, Code(c.err), "%v", c.err)
	}
	assert.Equal(t, "", Code(nil))

	err := wrapErr("readFile", "/x", ErrNotFound)
	assert.Equal(t, "ENOENT: readFile /x: no such file or directory", err.Error())
	assert.Same(t, err, wrapErr("stat", "/y", err))
}

func TestDriveMetrics(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	d := newDrive(t, func(o *Options) { o.Metrics = reg })

	require.NoError(t, d.WriteFile(ctx, "/x", []byte("x")))
	_, err := d.ReadFile(ctx, "/missing")
	require.Error(t, err)

	assert.Equal(t, float64(1), counterValue(t, reg.DriveOperationsTotal.WithLabelValues("writeFile", "ok")))
	assert.Equal(t, float64(1), counterValue(t, reg.DriveOperationsTotal.WithLabelValues("readFile", ENOENT)))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.Counter.GetValue()
}

// Random writes and unlinks over a handful of paths; every checkout must
// read exactly what the drive held at that version.
func TestCheckoutHistoryProperty(t *testing.T) {
	paths := []string{"/a", "/b", "/c/d", "/c/e"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)
	properties.Property("checkouts replay history", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			d, err := New(ctx, DefaultOptions())
			if err != nil {
				return false
			}
			defer d.Close()

			model := map[string]string{}
			history := []map[string]string{maps.Clone(model)}
			for i, n := range ops {
				p := paths[n%len(paths)]
				if n/len(paths)%3 == 2 {
					err := d.Unlink(ctx, p)
					if _, ok := model[p]; !ok {
						if Code(err) != ENOENT {
							return false
						}
						continue
					}
					if err != nil {
						return false
					}
					delete(model, p)
				} else {
					v := fmt.Sprintf("v%d", i)
					if err := d.WriteFile(ctx, p, []byte(v)); err != nil {
						return false
					}
					model[p] = v
				}
				history = append(history, maps.Clone(model))
			}
			if d.Version() != uint64(len(history)-1) {
				return false
			}

			for v, want := range history {
				co, err := d.Checkout(uint64(v))
				if err != nil {
					return false
				}
				for _, p := range paths {
					data, err := co.ReadFile(ctx, p)
					exp, ok := want[p]
					if ok != (err == nil) || (ok && string(data) != exp) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(0, 100)),
	))
	properties.TestingRun(t)
}
