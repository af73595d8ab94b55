package prices

import (
	"sort"
	"sync"

	"price-pusher/internal/entry"
)

// Asset identifies one tracked (pair, data type) combination.
type Asset struct {
	Pair     entry.Pair
	DataType entry.DataType
}

func (a Asset) String() string { return a.Pair.ID() + "/" + a.DataType.String() }

// Store holds the latest entry observed per pair, data type and source
// (and expiry, for futures). Only the owner writes through Ingest and Flush;
// everybody else reads through a View.
type Store struct {
	mu     sync.RWMutex
	spot   map[string]map[entry.DataType]map[string]entry.Entry
	future map[string]map[string]map[int64]entry.Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		spot:   make(map[string]map[entry.DataType]map[string]entry.Entry),
		future: make(map[string]map[string]map[int64]entry.Entry),
	}
}

// Ingest overwrites the stored entry for each incoming entry's key. Generic
// entries are not tracked and are returned as skipped.
func (s *Store) Ingest(entries []entry.Entry) (stored, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		switch e.DataType() {
		case entry.Spot:
			byType, ok := s.spot[e.PairID()]
			if !ok {
				byType = make(map[entry.DataType]map[string]entry.Entry)
				s.spot[e.PairID()] = byType
			}
			bySource, ok := byType[entry.Spot]
			if !ok {
				bySource = make(map[string]entry.Entry)
				byType[entry.Spot] = bySource
			}
			bySource[e.Source()] = e
			stored++
		case entry.Future:
			bySource, ok := s.future[e.PairID()]
			if !ok {
				bySource = make(map[string]map[int64]entry.Entry)
				s.future[e.PairID()] = bySource
			}
			byExpiry, ok := bySource[e.Source()]
			if !ok {
				byExpiry = make(map[int64]entry.Entry)
				bySource[e.Source()] = byExpiry
			}
			byExpiry[e.Expiry()] = e
			stored++
		default:
			skipped++
		}
	}
	return stored, skipped
}

// Flush removes and returns every entry stored for the given assets, ordered
// by pair, source and expiry.
func (s *Store) Flush(assets ...Asset) []entry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []entry.Entry
	for _, a := range assets {
		id := a.Pair.ID()
		switch a.DataType {
		case entry.Spot:
			byType, ok := s.spot[id]
			if !ok {
				continue
			}
			out = append(out, sortedEntries(byType[entry.Spot])...)
			delete(byType, entry.Spot)
			if len(byType) == 0 {
				delete(s.spot, id)
			}
		case entry.Future:
			bySource, ok := s.future[id]
			if !ok {
				continue
			}
			for _, src := range sortedKeys(bySource) {
				byExpiry := bySource[src]
				expiries := make([]int64, 0, len(byExpiry))
				for exp := range byExpiry {
					expiries = append(expiries, exp)
				}
				sort.Slice(expiries, func(i, j int) bool { return expiries[i] < expiries[j] })
				for _, exp := range expiries {
					out = append(out, byExpiry[exp])
				}
			}
			delete(s.future, id)
		}
	}
	return out
}

// Len counts stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byType := range s.spot {
		for _, bySource := range byType {
			n += len(bySource)
		}
	}
	for _, bySource := range s.future {
		for _, byExpiry := range bySource {
			n += len(byExpiry)
		}
	}
	return n
}

// View returns a read-only handle on the store.
func (s *Store) View() View { return View{s: s} }

// View is the read side of a Store. It cannot mutate the table.
type View struct {
	s *Store
}

// Sources lists, sorted, the sources that currently have an entry for the asset.
func (v View) Sources(pairID string, dt entry.DataType) []string {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	switch dt {
	case entry.Spot:
		return sortedKeys(v.s.spot[pairID][entry.Spot])
	case entry.Future:
		return sortedKeys(v.s.future[pairID])
	}
	return nil
}

// Entries returns a snapshot of all entries stored for the asset, across
// sources and, for futures, across expiries.
func (v View) Entries(pairID string, dt entry.DataType) []entry.Entry {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	switch dt {
	case entry.Spot:
		return sortedEntries(v.s.spot[pairID][entry.Spot])
	case entry.Future:
		var out []entry.Entry
		for _, src := range sortedKeys(v.s.future[pairID]) {
			for _, e := range v.s.future[pairID][src] {
				out = append(out, e)
			}
		}
		return out
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedEntries(m map[string]entry.Entry) []entry.Entry {
	keys := sortedKeys(m)
	out := make([]entry.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
