package replication

import "sort"

// rangeSet is a sorted list of disjoint, non-adjacent block ranges.
type rangeSet struct {
	spans []Range
}

func (s *rangeSet) add(start, end uint64) {
	if start >= end {
		return
	}
	// First span that could touch [start, end).
	i := sort.Search(len(s.spans), func(i int) bool { return s.spans[i].End >= start })
	j := i
	for j < len(s.spans) && s.spans[j].Start <= end {
		if s.spans[j].Start < start {
			start = s.spans[j].Start
		}
		if s.spans[j].End > end {
			end = s.spans[j].End
		}
		j++
	}
	merged := Range{Start: start, End: end}
	s.spans = append(s.spans[:i], append([]Range{merged}, s.spans[j:]...)...)
}

func (s *rangeSet) remove(index uint64) {
	i := sort.Search(len(s.spans), func(i int) bool { return s.spans[i].End > index })
	if i == len(s.spans) || s.spans[i].Start > index {
		return
	}
	r := s.spans[i]
	var repl []Range
	if r.Start < index {
		repl = append(repl, Range{Start: r.Start, End: index})
	}
	if index+1 < r.End {
		repl = append(repl, Range{Start: index + 1, End: r.End})
	}
	s.spans = append(s.spans[:i], append(repl, s.spans[i+1:]...)...)
}

func (s *rangeSet) contains(index uint64) bool {
	i := sort.Search(len(s.spans), func(i int) bool { return s.spans[i].End > index })
	return i < len(s.spans) && s.spans[i].Start <= index
}

func (s *rangeSet) ranges() []Range {
	return append([]Range(nil), s.spans...)
}
