// Package kv is the thin "latest value by id" adapter (L3) over a
// flashring.RingBuffer: the same layer flash_io.c builds for SSID and
// hostname persistence, generalized from two hardcoded record ids to
// any caller-chosen id.
package kv

import (
	"bytes"
	"errors"

	"github.com/nospamcalfee/flashring"
)

// Store is a key-value view over a ring log, where "key" is the
// record id byte and "latest" means the most recently appended live
// record under that id. It does not own the RingBuffer's lifecycle;
// callers open and close the underlying device themselves.
type Store struct {
	rb *flashring.RingBuffer
}

// Open wraps an already-initialized RingBuffer as a Store.
func Open(rb *flashring.RingBuffer) *Store {
	return &Store{rb: rb}
}

func isTerminal(err error) bool {
	return errors.Is(err, flashring.ErrBlankHeader) || errors.Is(err, flashring.ErrHdrIDNotFound)
}

// Get reads the most recently written live value for id into out,
// returning the number of bytes copied. Because the ring only
// supports forward scanning from its oldest sector, finding "the
// latest" means counting every live occurrence of id and then
// replaying the scan to land on the last one — the same two-pass
// approach flash_io.c's read_flash_id_latest uses.
func (s *Store) Get(id byte, out []byte) (int, error) {
	count, err := s.count(id, out)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, flashring.ErrHdrIDNotFound
	}

	if err := s.rb.Rewind(); err != nil && !errors.Is(err, flashring.ErrBlankHeader) {
		return 0, err
	}
	for i := 0; i < count-1; i++ {
		if _, err := s.rb.Read(id, out); err != nil {
			return 0, err
		}
	}
	return s.rb.Read(id, out)
}

// count reports how many live records under id exist, discarding
// their payloads into scratch as it goes.
func (s *Store) count(id byte, scratch []byte) (int, error) {
	if err := s.rb.Rewind(); err != nil && !errors.Is(err, flashring.ErrBlankHeader) {
		return 0, err
	}
	n := 0
	for {
		if _, err := s.rb.Read(id, scratch); err != nil {
			if isTerminal(err) {
				return n, nil
			}
			return 0, err
		}
		n++
	}
}

// Put appends data as the new latest value for id. If data is
// byte-identical to the current latest value, the write is skipped
// entirely (matching flash_io_write_flash_id's dedup check) — an idle
// sensor republishing the same reading shouldn't wear out a sector.
// Otherwise, the new value is appended and every older record under id
// whose payload begins with data is smudged away; older records under
// id with other payloads stay live.
func (s *Store) Put(id byte, data []byte) error {
	existing := make([]byte, len(data)+1)
	n, err := s.Get(id, existing)
	if err == nil && n == len(data) && bytes.Equal(existing[:n], data) {
		return nil
	}

	if err := s.rb.Append(id, data, true); err != nil {
		return err
	}
	return s.pruneOlder(id, data)
}

// pruneOlder repeatedly finds the oldest live record matching id and
// data and, as long as a second (newer) copy also exists, deletes the
// oldest one — ported from flash_io_erase_redundant_ssids. It stops
// as soon as at most one live copy remains.
func (s *Store) pruneOlder(id byte, data []byte) error {
	for {
		if err := s.rb.Rewind(); err != nil && !errors.Is(err, flashring.ErrBlankHeader) {
			return err
		}
		if _, err := s.rb.Find(id, data); err != nil {
			if isTerminal(err) {
				return nil
			}
			return err
		}
		if _, err := s.rb.Find(id, data); err != nil {
			if isTerminal(err) {
				return nil
			}
			return err
		}
		if err := s.rb.Delete(id, data); err != nil {
			return err
		}
	}
}
