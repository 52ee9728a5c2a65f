package entity

import (
	"sort"
	"strings"
)

// Stamp is the (timestamp, entity id) pair deployments are ordered by.
type Stamp struct {
	EntityID  string
	Timestamp int64
}

// Comparable is anything that can be placed in the happened-before order.
type Comparable interface {
	Stamp() Stamp
}

// Stamp implements Comparable.
func (s Stamp) Stamp() Stamp {
	return s
}

// Stamp implements Comparable.
func (e *Entity) Stamp() Stamp {
	return Stamp{EntityID: e.ID, Timestamp: e.Timestamp}
}

// HappenedBefore reports whether a precedes b: either its timestamp is lower,
// or timestamps are equal and its lowercased entity id sorts first. Two stamps
// with the same entity id never precede each other.
func HappenedBefore(a, b Comparable) bool {
	return stampBefore(a.Stamp(), b.Stamp())
}

func stampBefore(a, b Stamp) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return strings.ToLower(a.EntityID) < strings.ToLower(b.EntityID)
}

// SortFromOldestToNewest sorts in place following HappenedBefore. The sort is
// stable, so items with an equal stamp keep their relative order.
func SortFromOldestToNewest[T Comparable](items []T) []T {
	sort.SliceStable(items, func(i, j int) bool {
		return HappenedBefore(items[i], items[j])
	})
	return items
}

// SortFromNewestToOldest is the reverse of SortFromOldestToNewest.
func SortFromNewestToOldest[T Comparable](items []T) []T {
	sort.SliceStable(items, func(i, j int) bool {
		return HappenedBefore(items[j], items[i])
	})
	return items
}

// Newest returns the happened-before maximum of items, or the zero value and
// false when items is empty.
func Newest[T Comparable](items []T) (T, bool) {
	var newest T
	if len(items) == 0 {
		return newest, false
	}
	newest = items[0]
	for _, it := range items[1:] {
		if HappenedBefore(newest, it) {
			newest = it
		}
	}
	return newest, true
}
