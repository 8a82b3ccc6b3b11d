package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdheller/hyperdrive/pkg/logging"
)

// Frame layout: [index:8][compression:1][rawLen:4][storedLen:4][payload][crc:4]
// The checksum covers the header and payload.
const (
	frameHeaderSize  = 17
	frameTrailerSize = 4
)

// FileOptions configures a FileStore.
type FileOptions struct {
	Compression Compression
	// SyncWrites fsyncs after every Put.
	SyncWrites bool
	Logger     logging.Logger
}

// FileStore keeps one append-only log file per namespace. Rewriting an index
// appends a new frame; the latest frame wins.
type FileStore struct {
	dir    string
	opts   FileOptions
	logger logging.Logger

	mu     sync.Mutex
	logs   map[string]*segment
	closed bool
}

type segment struct {
	mu      sync.RWMutex
	file    *os.File
	size    int64
	offsets map[uint64]int64
}

// NewFileStore opens or creates a store rooted at dir.
func NewFileStore(dir string, opts FileOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create block directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).With(logging.Component("blockstore.file")),
		logs:   make(map[string]*segment),
	}, nil
}

func segmentName(namespace string) string {
	return strings.ReplaceAll(namespace, "/", ".") + ".log"
}

func (s *FileStore) segment(namespace string, create bool) (*segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if seg, ok := s.logs[namespace]; ok {
		return seg, nil
	}

	path := filepath.Join(s.dir, segmentName(namespace))
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0644)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}

	seg := &segment{file: file, offsets: make(map[uint64]int64)}
	if err := s.recover(seg, path); err != nil {
		file.Close()
		return nil, err
	}
	s.logs[namespace] = seg
	return seg, nil
}

// recover rebuilds the offset index and truncates a torn tail.
func (s *FileStore) recover(seg *segment, path string) error {
	info, err := seg.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment: %w", err)
	}
	end := info.Size()

	var offset int64
	header := make([]byte, frameHeaderSize)
	for offset < end {
		if _, err := seg.file.ReadAt(header, offset); err != nil {
			break
		}
		index := binary.BigEndian.Uint64(header[0:8])
		stored := int64(binary.BigEndian.Uint32(header[13:17]))
		next := offset + frameHeaderSize + stored + frameTrailerSize
		if next > end {
			break
		}
		if _, _, err := readFrame(seg.file, offset); err != nil {
			break
		}
		seg.offsets[index] = offset
		offset = next
	}

	if offset < end {
		s.logger.Warn("truncating torn segment tail",
			logging.Path(path),
			logging.Int64("valid_bytes", offset),
			logging.Int64("file_bytes", end))
		if err := seg.file.Truncate(offset); err != nil {
			return fmt.Errorf("failed to truncate segment: %w", err)
		}
	}
	seg.size = offset
	return nil
}

// readFrame reads and checks the frame at offset, returning the decoded
// block and its index.
func readFrame(r io.ReaderAt, offset int64) (uint64, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := r.ReadAt(header, offset); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	index := binary.BigEndian.Uint64(header[0:8])
	c := Compression(header[8])
	rawLen := int(binary.BigEndian.Uint32(header[9:13]))
	stored := int(binary.BigEndian.Uint32(header[13:17]))

	body := make([]byte, stored+frameTrailerSize)
	if _, err := r.ReadAt(body, offset+frameHeaderSize); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	payload := body[:stored]
	want := binary.BigEndian.Uint32(body[stored:])

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)
	if crc.Sum32() != want {
		return 0, nil, fmt.Errorf("frame checksum mismatch at offset %d", offset)
	}

	data, err := decompress(payload, c, rawLen)
	if err != nil {
		return 0, nil, err
	}
	return index, data, nil
}

func encodeFrame(index uint64, data []byte, c Compression) ([]byte, error) {
	payload, used, err := compress(data, c)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(payload)+frameTrailerSize)
	binary.BigEndian.PutUint64(frame[0:8], index)
	frame[8] = byte(used)
	binary.BigEndian.PutUint32(frame[9:13], uint32(len(data)))
	binary.BigEndian.PutUint32(frame[13:17], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	sum := crc32.ChecksumIEEE(frame[:frameHeaderSize+len(payload)])
	binary.BigEndian.PutUint32(frame[frameHeaderSize+len(payload):], sum)
	return frame, nil
}

func (s *FileStore) Put(_ context.Context, namespace string, index uint64, data []byte) error {
	seg, err := s.segment(namespace, true)
	if err != nil {
		return wrap("file", "put", namespace, index, err)
	}
	frame, err := encodeFrame(index, data, s.opts.Compression)
	if err != nil {
		return wrap("file", "put", namespace, index, err)
	}

	seg.mu.Lock()
	defer seg.mu.Unlock()
	if _, err := seg.file.WriteAt(frame, seg.size); err != nil {
		return wrap("file", "put", namespace, index, fmt.Errorf("failed to write frame: %w", err))
	}
	if s.opts.SyncWrites {
		if err := seg.file.Sync(); err != nil {
			return wrap("file", "put", namespace, index, fmt.Errorf("failed to sync segment: %w", err))
		}
	}
	seg.offsets[index] = seg.size
	seg.size += int64(len(frame))
	return nil
}

func (s *FileStore) Get(_ context.Context, namespace string, index uint64) ([]byte, error) {
	seg, err := s.segment(namespace, false)
	if err != nil {
		return nil, wrap("file", "get", namespace, index, err)
	}
	if seg == nil {
		return nil, wrap("file", "get", namespace, index, ErrNotFound)
	}

	seg.mu.RLock()
	offset, ok := seg.offsets[index]
	seg.mu.RUnlock()
	if !ok {
		return nil, wrap("file", "get", namespace, index, ErrNotFound)
	}

	_, data, err := readFrame(seg.file, offset)
	if err != nil {
		return nil, wrap("file", "get", namespace, index, err)
	}
	return data, nil
}

func (s *FileStore) Has(_ context.Context, namespace string, index uint64) (bool, error) {
	seg, err := s.segment(namespace, false)
	if err != nil {
		return false, wrap("file", "has", namespace, index, err)
	}
	if seg == nil {
		return false, nil
	}
	seg.mu.RLock()
	defer seg.mu.RUnlock()
	_, ok := seg.offsets[index]
	return ok, nil
}

// Close syncs and closes every open segment.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for ns, seg := range s.logs {
		seg.mu.Lock()
		if err := seg.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", ns, err))
		}
		if err := seg.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ns, err))
		}
		seg.mu.Unlock()
	}
	s.logs = nil
	return errors.Join(errs...)
}
