// Package tree derives the path index of a drive from its metadata log.
// The index at version V is the fold of records [0, V): later records for a
// path replace earlier ones and tombstones remove the path.
package tree

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/mdheller/hyperdrive/pkg/metadata"
)

var (
	ErrNotFound      = errors.New("no such file or directory")
	ErrNotADirectory = errors.New("not a directory")
)

// RootEntry is the always-present root directory.
func RootEntry() metadata.Entry {
	return metadata.Entry{Path: "/", Type: metadata.TypeDirectory, Mode: 0755}
}

// Snapshot is the folded index at one version.
type Snapshot struct {
	version uint64
	entries map[string]metadata.Entry
	// children counts, per directory, the live entries at or below each
	// immediate child name. A name is listed while its count is positive.
	children map[string]map[string]int
}

// NewSnapshot returns the empty tree, the state before any record.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		entries:  make(map[string]metadata.Entry),
		children: make(map[string]map[string]int),
	}
}

// Version is the number of records folded.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of live explicit entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Clone returns an independent copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		version:  s.version,
		entries:  maps.Clone(s.entries),
		children: make(map[string]map[string]int, len(s.children)),
	}
	for dir, names := range s.children {
		c.children[dir] = maps.Clone(names)
	}
	return c
}

// Apply folds the record stored at block s.Version().
func (s *Snapshot) Apply(e metadata.Entry) {
	s.version++
	if e.Path == "/" {
		return
	}
	if _, ok := s.entries[e.Path]; ok {
		s.ref(e.Path, -1)
		delete(s.entries, e.Path)
	}
	if e.Deleted {
		return
	}
	s.entries[e.Path] = e
	s.ref(e.Path, 1)
}

func (s *Snapshot) ref(p string, delta int) {
	child := p
	for {
		dir, name := metadata.Split(child)
		names, ok := s.children[dir]
		if !ok {
			names = make(map[string]int)
			s.children[dir] = names
		}
		names[name] += delta
		if names[name] <= 0 {
			delete(names, name)
			if len(names) == 0 {
				delete(s.children, dir)
			}
		}
		if dir == "/" {
			return
		}
		child = dir
	}
}

// Resolve returns the entry for a clean path. Directories implied only by
// their descendants resolve to a synthetic directory entry.
func (s *Snapshot) Resolve(p string) (metadata.Entry, error) {
	if p == "/" {
		return RootEntry(), nil
	}
	ancestors := metadata.Ancestors(p)
	for i := len(ancestors) - 1; i >= 0; i-- {
		if e, ok := s.entries[ancestors[i]]; ok && e.IsFile() {
			return metadata.Entry{}, fmt.Errorf("%s: %w", ancestors[i], ErrNotADirectory)
		}
	}
	if e, ok := s.entries[p]; ok {
		return e, nil
	}
	if len(s.children[p]) > 0 {
		return metadata.Entry{Path: p, Type: metadata.TypeDirectory, Mode: 0755}, nil
	}
	return metadata.Entry{}, fmt.Errorf("%s: %w", p, ErrNotFound)
}

// List returns the sorted names of the immediate children of dir.
func (s *Snapshot) List(dir string) ([]string, error) {
	e, err := s.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if !e.IsDirectory() {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotADirectory)
	}
	names := slices.Sorted(maps.Keys(s.children[dir]))
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Entries returns the live explicit entries sorted by path.
func (s *Snapshot) Entries() []metadata.Entry {
	out := make([]metadata.Entry, 0, len(s.entries))
	for _, p := range slices.Sorted(maps.Keys(s.entries)) {
		out = append(out, s.entries[p])
	}
	return out
}
