package modelstore

import (
	"sort"

	"github.com/kingrea/procman/internal/process"
)

// Snapshot is an immutable view of every definition revision. Callers hold a
// snapshot for the duration of an operation; a reload or write publishes a new
// snapshot without disturbing the old one.
type Snapshot struct {
	// Serial increases by one with every published snapshot.
	Serial uint64

	entries map[string]*entry
}

type entry struct {
	latest    int
	revisions map[int]*process.Definition
}

func emptySnapshot() *Snapshot {
	return &Snapshot{entries: map[string]*entry{}}
}

// Len reports the number of definitions.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Definition returns the latest revision of id.
func (s *Snapshot) Definition(id string) (*process.Definition, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.revisions[e.latest], true
}

// Revision returns a specific revision of id.
func (s *Snapshot) Revision(id string, revision int) (*process.Definition, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	def, ok := e.revisions[revision]
	return def, ok
}

// Definitions returns the latest revision of every definition ordered by name
// then id.
func (s *Snapshot) Definitions() []*process.Definition {
	out := make([]*process.Definition, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.revisions[e.latest])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// with returns a copy of s where def is the newest revision of its id.
func (s *Snapshot) with(def *process.Definition) *Snapshot {
	next := &Snapshot{Serial: s.Serial + 1, entries: make(map[string]*entry, len(s.entries)+1)}
	for id, e := range s.entries {
		next.entries[id] = e
	}
	old := s.entries[def.ID]
	e := &entry{latest: def.Revision, revisions: map[int]*process.Definition{}}
	if old != nil {
		for rev, d := range old.revisions {
			e.revisions[rev] = d
		}
	}
	e.revisions[def.Revision] = def
	next.entries[def.ID] = e
	return next
}

// without returns a copy of s with every revision of id removed.
func (s *Snapshot) without(id string) *Snapshot {
	next := &Snapshot{Serial: s.Serial + 1, entries: make(map[string]*entry, len(s.entries))}
	for key, e := range s.entries {
		if key != id {
			next.entries[key] = e
		}
	}
	return next
}
