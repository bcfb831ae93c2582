// Package state holds the durable per-instrument belief about positions and
// daily risk counters, persisted as one JSON record per instrument.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store persists InstrumentState records, one file per instrument, written
// atomically (write temp, then rename).
type Store struct {
	dir string
}

// NewStore creates the state directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(symbol string) string {
	return filepath.Join(s.dir, strings.ToUpper(symbol)+".json")
}

// Load returns the persisted state for symbol, or a fresh record when none
// exists. If the record's day is not the current UTC day, daily counters are
// reset rather than trusted.
func (s *Store) Load(symbol string, now time.Time) (*InstrumentState, error) {
	data, err := os.ReadFile(s.path(symbol))
	if errors.Is(err, fs.ErrNotExist) {
		st := &InstrumentState{Symbol: symbol}
		st.RollDay(now, 0)
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", symbol, err)
	}

	var st InstrumentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", symbol, err)
	}
	st.Symbol = symbol
	// On a day boundary the start balance belongs to the old day; leave it
	// zero and let the first balance fetch reseed it.
	st.RollDay(now, 0)
	return &st, nil
}

// Save writes the record atomically.
func (s *Store) Save(st *InstrumentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.Symbol, err)
	}

	final := s.path(st.Symbol)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", st.Symbol, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename state %s: %w", st.Symbol, err)
	}
	return nil
}

// Delete removes the record (instrument removal).
func (s *Store) Delete(symbol string) error {
	err := os.Remove(s.path(symbol))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
