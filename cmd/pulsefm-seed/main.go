// SPDX-License-Identifier: MIT

// pulsefm-seed initializes a station: it installs the stubbed loop song,
// an optional first real song, and the station record rotationd picks up
// on its next start. It can also write a starter descriptor catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/pulsefm/pulsefm/internal/descriptor"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
)

func main() {
	storePath := flag.String("store", "./data/pulsefm", "document store path")
	stubDuration := flag.Duration("stub-duration", time.Minute, "stubbed loop song length")
	songID := flag.String("song", "", "voteId of an optional first ready song")
	songDuration := flag.Duration("song-duration", 3*time.Minute, "length of the first song")
	force := flag.Bool("force", false, "overwrite an existing station record")
	descriptorsOut := flag.String("descriptors-out", "", "write a descriptor catalog YAML to this path")
	descriptors := flag.String("descriptors", "", "comma-separated descriptors for the catalog file (default: built-in catalog)")
	flag.Parse()

	if *descriptorsOut != "" {
		if err := writeCatalog(*descriptorsOut, *descriptors); err != nil {
			fail(err)
		}
		fmt.Printf("wrote descriptor catalog to %s\n", *descriptorsOut)
	}

	if err := seed(*storePath, *stubDuration, *songID, *songDuration, *force); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "pulsefm-seed: %v\n", err)
	os.Exit(1)
}

func seed(storePath string, stubDuration time.Duration, songID string, songDuration time.Duration, force bool) error {
	st, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	existing, err := st.Station(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read station: %w", err)
	}
	if existing != nil && !force {
		return fmt.Errorf("station already seeded at version %d (use -force to overwrite)", existing.Version)
	}

	now := time.Now()
	stubMs := stubDuration.Milliseconds()
	if stubMs <= 0 {
		return fmt.Errorf("stub duration must be positive, got %s", stubDuration)
	}

	if err := st.PutSong(ctx, &station.Song{
		VoteID:     station.StubbedVoteID,
		DurationMs: stubMs,
		Status:     station.SongReady,
	}); err != nil {
		return fmt.Errorf("install stubbed song: %w", err)
	}

	next := station.NextSong{VoteID: station.StubbedVoteID, DurationMs: stubMs}
	if songID != "" {
		ms := songDuration.Milliseconds()
		if ms <= 0 {
			return fmt.Errorf("song duration must be positive, got %s", songDuration)
		}
		if err := st.PutSong(ctx, &station.Song{
			VoteID:     songID,
			DurationMs: ms,
			Status:     station.SongQueued,
			CreatedAt:  station.ToMs(now),
		}); err != nil {
			return fmt.Errorf("install first song: %w", err)
		}
		next = station.NextSong{VoteID: songID, DurationMs: ms}
	}

	// Version 0 so the first rotation tick advances the station to 1.
	rec := &station.Record{
		VoteID:     station.StubbedVoteID,
		StartAt:    station.ToMs(now),
		EndAt:      station.ToMs(now.Add(stubDuration)),
		DurationMs: stubMs,
		Version:    0,
		Next:       next,
	}
	if err := st.PutStation(ctx, rec); err != nil {
		return fmt.Errorf("write station record: %w", err)
	}

	fmt.Printf("seeded station: playing %s until %s, next %s\n",
		rec.VoteID, station.FromMs(rec.EndAt).Format(time.RFC3339), next.VoteID)
	return nil
}

// writeCatalog writes the descriptor YAML atomically so a running rotationd
// watching the file never sees a partial write.
func writeCatalog(path, list string) error {
	keys := descriptor.Normalize(strings.Split(list, ","))
	if len(keys) == 0 {
		keys = descriptor.CatalogKeys()
	}
	raw, err := yaml.Marshal(descriptor.File{Descriptors: keys})
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}
