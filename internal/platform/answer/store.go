package answer

import (
	"encoding/json"
	"sort"
)

// Store maps question ids to answers for a single assessment instance.
// It is owned by one writer; callers serialize concurrent mutation.
type Store struct {
	values map[string]Value
}

func NewStore() *Store {
	return &Store{values: make(map[string]Value)}
}

// Get returns the answer for id. A KindNone answer is reported as absent.
func (s *Store) Get(id string) (Value, bool) {
	if s == nil {
		return None(), false
	}
	v, ok := s.values[id]
	if !ok || v.IsNone() {
		return None(), false
	}
	return v, true
}

// Set stores v for id. Setting None clears the answer.
func (s *Store) Set(id string, v Value) {
	if v.IsNone() {
		delete(s.values, id)
		return
	}
	if s.values == nil {
		s.values = make(map[string]Value)
	}
	s.values[id] = v
}

func (s *Store) Delete(id string) {
	delete(s.values, id)
}

func (s *Store) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// IDs returns the answered question ids in sorted order.
func (s *Store) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.values))
	for id := range s.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) Clone() *Store {
	out := NewStore()
	if s == nil {
		return out
	}
	for k, v := range s.values {
		out.values[k] = v
	}
	return out
}

// Subset returns a new store holding only the answered ids among ids.
func (s *Store) Subset(ids []string) *Store {
	out := NewStore()
	for _, id := range ids {
		if v, ok := s.Get(id); ok {
			out.values[id] = v
		}
	}
	return out
}

func (s *Store) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

func (s *Store) UnmarshalJSON(data []byte) error {
	values := make(map[string]Value)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.values = make(map[string]Value, len(values))
	for k, v := range values {
		if !v.IsNone() {
			s.values[k] = v
		}
	}
	return nil
}
