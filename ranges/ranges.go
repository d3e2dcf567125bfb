// Package ranges tracks which byte extents of a file are available.
package ranges

import (
	"fmt"
	"slices"
)

type Int = int64

type Extent struct {
	Start, Length Int
}

func (e Extent) End() Int {
	return e.Start + e.Length
}

func (e Extent) IsEmpty() bool {
	return e.Length <= 0
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d, %d)", e.Start, e.End())
}

// FromBounds builds an extent from a start and exclusive end.
func FromBounds(start, end Int) Extent {
	return Extent{Start: start, Length: max(end-start, 0)}
}

// Intersect returns the overlap of two extents, which may be empty.
func (e Extent) Intersect(o Extent) Extent {
	return FromBounds(max(e.Start, o.Start), min(e.End(), o.End()))
}

func (e Extent) Contains(o Extent) bool {
	return o.Start >= e.Start && o.End() <= e.End()
}

// Set is an ordered collection of disjoint, non-adjacent extents. The zero value is empty and
// ready to use. Not safe for concurrent mutation.
type Set struct {
	extents []Extent
}

func NewSet(es ...Extent) *Set {
	var s Set
	for _, e := range es {
		s.Add(e)
	}
	return &s
}

// Add merges e into the set, coalescing overlapping and touching extents.
func (s *Set) Add(e Extent) {
	if e.IsEmpty() {
		return
	}
	i, _ := slices.BinarySearchFunc(s.extents, e.Start, func(x Extent, start Int) int {
		switch {
		case x.End() < start:
			return -1
		default:
			return 1
		}
	})
	j := i
	for j < len(s.extents) && s.extents[j].Start <= e.End() {
		e = FromBounds(min(e.Start, s.extents[j].Start), max(e.End(), s.extents[j].End()))
		j++
	}
	s.extents = slices.Replace(s.extents, i, j, e)
}

// AvailableSubRange returns the portion of want covered by the first available extent that
// overlaps it. ok is false if nothing in want is available.
func (s *Set) AvailableSubRange(want Extent) (_ Extent, ok bool) {
	for _, e := range s.extents {
		if e.Start >= want.End() {
			break
		}
		if x := e.Intersect(want); !x.IsEmpty() {
			return x, true
		}
	}
	return Extent{}, false
}

// Satisfiable reports whether all of want is available.
func (s *Set) Satisfiable(want Extent) bool {
	if want.IsEmpty() {
		return false
	}
	for _, e := range s.extents {
		if e.Contains(want) {
			return true
		}
	}
	return false
}

// Covered is the total number of available bytes.
func (s *Set) Covered() (n Int) {
	for _, e := range s.extents {
		n += e.Length
	}
	return
}

func (s *Set) Len() int {
	return len(s.extents)
}

func (s *Set) Extents() []Extent {
	return slices.Clone(s.extents)
}

func (s *Set) Clone() *Set {
	return &Set{extents: slices.Clone(s.extents)}
}

// Missing returns the parts of within that aren't in the set, in order.
func (s *Set) Missing(within Extent) (ret []Extent) {
	next := within.Start
	for _, e := range s.extents {
		x := e.Intersect(within)
		if x.IsEmpty() {
			continue
		}
		if x.Start > next {
			ret = append(ret, FromBounds(next, x.Start))
		}
		next = max(next, x.End())
	}
	if next < within.End() {
		ret = append(ret, FromBounds(next, within.End()))
	}
	return
}
