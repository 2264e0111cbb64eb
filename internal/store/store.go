// SPDX-License-Identifier: MIT

// Package store is the durable document store for the control plane. It
// keeps the station record, the song catalog, and the current poll as JSON
// documents in Badger; every multi-document mutation runs inside a single
// Badger transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/pulsefm/pulsefm/internal/station"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

const (
	stationKey = "station:main"
	pollKey    = "poll:current"
	songPrefix = "song:"
)

// Store wraps a Badger database with typed document accessors.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral store. Used by tests.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// Update runs fn in a read-write transaction. The transaction commits only
// if fn returns nil; any error rolls every write back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// Station reads the station record outside a caller-managed transaction.
func (s *Store) Station(ctx context.Context) (*station.Record, error) {
	var rec *station.Record
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Station()
		return err
	})
	return rec, err
}

// PutStation writes the station record in its own transaction.
func (s *Store) PutStation(ctx context.Context, rec *station.Record) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.PutStation(rec) })
}

// Song reads one song document.
func (s *Store) Song(ctx context.Context, voteID string) (*station.Song, error) {
	var song *station.Song
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		song, err = tx.Song(voteID)
		return err
	})
	return song, err
}

// PutSong writes one song document in its own transaction.
func (s *Store) PutSong(ctx context.Context, song *station.Song) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.PutSong(song) })
}

// Poll reads the current poll document.
func (s *Store) Poll(ctx context.Context) (*station.Poll, error) {
	var poll *station.Poll
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		poll, err = tx.Poll()
		return err
	})
	return poll, err
}

// PutPoll writes the current poll document in its own transaction.
func (s *Store) PutPoll(ctx context.Context, poll *station.Poll) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.PutPoll(poll) })
}

// Tx exposes typed document accessors inside one Badger transaction.
type Tx struct {
	txn *badger.Txn
}

func (t *Tx) get(key string, out any) error {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

func (t *Tx) set(key string, doc any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.txn.Set([]byte(key), buf); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Station reads the station record.
func (t *Tx) Station() (*station.Record, error) {
	var rec station.Record
	if err := t.get(stationKey, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutStation writes the station record.
func (t *Tx) PutStation(rec *station.Record) error {
	return t.set(stationKey, rec)
}

// Song reads one song document by voteId.
func (t *Tx) Song(voteID string) (*station.Song, error) {
	var song station.Song
	if err := t.get(songPrefix+voteID, &song); err != nil {
		return nil, err
	}
	if song.VoteID == "" {
		song.VoteID = voteID
	}
	return &song, nil
}

// PutSong writes one song document.
func (t *Tx) PutSong(song *station.Song) error {
	return t.set(songPrefix+song.VoteID, song)
}

// SetSongStatus advances one song's lifecycle status.
func (t *Tx) SetSongStatus(voteID string, status station.SongStatus) error {
	song, err := t.Song(voteID)
	if err != nil {
		return err
	}
	song.Status = status
	return t.PutSong(song)
}

// ReadySongs returns up to limit ready songs ordered by createdAt
// descending. The stubbed song is excluded even if marked ready.
func (t *Tx) ReadySongs(limit int) ([]station.Song, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(songPrefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var ready []station.Song
	for it.Rewind(); it.Valid(); it.Next() {
		var song station.Song
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &song)
		})
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if song.VoteID == "" {
			song.VoteID = string(it.Item().Key()[len(songPrefix):])
		}
		if song.Status != station.SongReady || song.VoteID == station.StubbedVoteID {
			continue
		}
		ready = append(ready, song)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt > ready[j].CreatedAt })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// Poll reads the current poll document.
func (t *Tx) Poll() (*station.Poll, error) {
	var poll station.Poll
	if err := t.get(pollKey, &poll); err != nil {
		return nil, err
	}
	return &poll, nil
}

// PutPoll writes the current poll document.
func (t *Tx) PutPoll(poll *station.Poll) error {
	return t.set(pollKey, poll)
}
