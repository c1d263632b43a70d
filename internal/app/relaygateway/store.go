package relaygateway

import (
	"sort"
	"sync"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

// Store is the relay's own event store, independent of the job/agent
// storage package: it exists purely to serve REQ subscriptions and
// enforce the replaceable/parameterized-replaceable latest-wins rule.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]nostrevent.Event
	latest map[string]string // natural key (pubkey|kind|dtag) -> event id
}

// NewStore creates an empty event store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]nostrevent.Event),
		latest: make(map[string]string),
	}
}

func naturalKey(evt nostrevent.Event) string {
	return evt.Pubkey + "|" + itoa(evt.Kind) + "|" + evt.FirstTag("d")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Insert persists evt, applying replaceable collapsing (delete older rows
// sharing the natural key) and kind-5 deletion semantics (delete every
// event referenced by an `e` tag, authored by the same pubkey). Ephemeral
// events are never persisted; callers should broadcast them without
// calling Insert.
func (s *Store) Insert(evt nostrevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Kind == nostrevent.KindDeletion {
		for _, ref := range evt.AllTagValues("e") {
			if existing, ok := s.byID[ref]; ok && existing.Pubkey == evt.Pubkey {
				delete(s.byID, ref)
			}
		}
		s.byID[evt.ID] = evt
		return
	}

	if evt.IsReplaceable() {
		key := naturalKey(evt)
		if oldID, ok := s.latest[key]; ok {
			if old, exists := s.byID[oldID]; exists && old.CreatedAt >= evt.CreatedAt {
				return // an equal-or-newer event already holds this key
			}
			delete(s.byID, oldID)
		}
		s.latest[key] = evt.ID
	}

	s.byID[evt.ID] = evt
}

// Prune removes non-replaceable events older than retention.
func (s *Store) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, evt := range s.byID {
		if evt.IsReplaceable() {
			continue
		}
		if evt.CreatedAt < cutoff {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

// Filter mirrors a REQ subscription filter.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   int64
	Until   int64
	Tags    map[string][]string // "#e" -> values, etc.
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Matches reports whether evt satisfies every present selector in f.
func (f Filter) Matches(evt nostrevent.Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, evt.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since > 0 && evt.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && evt.CreatedAt > f.Until {
		return false
	}
	for tagName, wanted := range f.Tags {
		key := tagName
		if len(key) > 1 && key[0] == '#' {
			key = key[1:]
		}
		values := evt.AllTagValues(key)
		found := false
		for _, v := range values {
			if contains(wanted, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query returns every stored event matching any of the filters, newest
// first.
func (s *Store) Query(filters []Filter) []nostrevent.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []nostrevent.Event
	for _, evt := range s.byID {
		for _, f := range filters {
			if f.Matches(evt) {
				out = append(out, evt)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}
