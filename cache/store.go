// Package cache provides the flat key-value store that holds the last-known
// state of every cached resource.
//
// The Store is passive. It never fetches or broadcasts; other components
// write to it and then notify subscribers themselves. Entries are not evicted
// and remain until deleted or until the store is cleared.
package cache

import (
	"sync"
	"time"
)

// Record is the cached state of one resource.
type Record struct {
	// Data is the last successfully fetched or mutated value. Nil means no
	// data.
	Data any
	// Err is the error from the most recent failed fetch or mutation. It does
	// not replace Data.
	Err error
	// IsValidating is true while a fetch for the key is outstanding.
	IsValidating bool
	// UpdatedAt is the time of the last write to the record.
	UpdatedAt time.Time
}

// Field sets one field of a Record.
type Field func(*Record)

// WithData sets the record's data.
func WithData(data any) Field {
	return func(r *Record) {
		r.Data = data
	}
}

// WithError sets the record's error. A nil error clears it.
func WithError(err error) Field {
	return func(r *Record) {
		r.Err = err
	}
}

// WithValidating sets the record's validating flag.
func WithValidating(validating bool) Field {
	return func(r *Record) {
		r.IsValidating = validating
	}
}

// WithUpdatedAt sets the record's update time.
func WithUpdatedAt(t time.Time) Field {
	return func(r *Record) {
		r.UpdatedAt = t
	}
}

// Store maps serialized keys to records. It is safe for concurrent use.
type Store struct {
	mutex   sync.RWMutex
	records map[string]*Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
	}
}

// Get returns a copy of the record for id, and false if there is no record.
func (s *Store) Get(id string) (Record, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Set merges fields onto the record for id, creating the record if it does
// not exist, and returns a copy of the result.
func (s *Store) Set(id string, fields ...Field) Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = &Record{}
		s.records[id] = rec
	}
	for _, f := range fields {
		f(rec)
	}
	return *rec
}

// Delete removes the record for id.
func (s *Store) Delete(id string) {
	s.mutex.Lock()
	delete(s.records, id)
	s.mutex.Unlock()
}

// Clear removes all records.
func (s *Store) Clear() {
	s.mutex.Lock()
	clear(s.records)
	s.mutex.Unlock()
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.records)
}

// Keys returns the ids of all records, in no particular order.
func (s *Store) Keys() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}
