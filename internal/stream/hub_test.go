// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/station"
)

type fakeSource struct {
	snap  atomic.Pointer[station.Snapshot]
	reads atomic.Int32
}

func (f *fakeSource) Snapshot(context.Context) (*station.Snapshot, error) {
	f.reads.Add(1)
	return f.snap.Load(), nil
}

func testStreamConfig() config.Stream {
	return config.Stream{
		HeartbeatInterval: 15 * time.Second,
		SnapshotInterval:  10 * time.Second,
		DeltaInterval:     20 * time.Millisecond,
		LoopInterval:      5 * time.Millisecond,
		TallyStaleness:    200 * time.Millisecond,
		ListenerStaleness: time.Second,
		OutboxSize:        10,
	}
}

func playingSnapshot(version int64) *station.Snapshot {
	return &station.Snapshot{
		CurrentSong: station.SnapshotSong{VoteID: "song-a", DurationMs: 180000},
		NextSong:    station.SnapshotNext{VoteID: "song-b", DurationMs: 150000},
		Poll: station.SnapshotPoll{
			VoteID:  "poll-1",
			Options: []string{"dreamy", "driving"},
			Version: version,
			Status:  station.PollOpen,
		},
	}
}

func setupHub(t *testing.T) (*Hub, *fakeSource, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvc := kv.NewFromRedis(rdb, zerolog.Nop())

	src := &fakeSource{}
	src.snap.Store(playingSnapshot(3))
	return NewHub(testStreamConfig(), kvc, src, zerolog.Nop()), src, kvc
}

func TestSnapshotCacheStaleness(t *testing.T) {
	hub, src, _ := setupHub(t)
	ctx := context.Background()

	_, err := hub.Snapshot(ctx, false)
	require.NoError(t, err)
	_, err = hub.Snapshot(ctx, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, src.reads.Load(), "second read within staleness must hit the cache")

	_, err = hub.Snapshot(ctx, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, src.reads.Load(), "forced read bypasses the cache")
}

func TestPlaybackEventVersioning(t *testing.T) {
	hub, _, _ := setupHub(t)

	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventChangeover, VoteID: "song-b", Version: 4})
	m, ok := hub.marker(EventSongChanged)
	require.True(t, ok)
	first := m.ts

	// Stale and replayed versions leave the marker alone.
	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventChangeover, VoteID: "song-a", Version: 3})
	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventChangeover, VoteID: "song-b", Version: 4})
	m, _ = hub.marker(EventSongChanged)
	require.Equal(t, first, m.ts)

	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventChangeover, VoteID: "song-c", Version: 5})
	m, _ = hub.marker(EventSongChanged)
	require.True(t, m.ts.After(first) || m.ts.Equal(first))
	require.Contains(t, string(m.payload), "song-c")
}

func TestNextSongConflictForcesRefresh(t *testing.T) {
	hub, _, _ := setupHub(t)
	ctx := context.Background()

	_, err := hub.Snapshot(ctx, false)
	require.NoError(t, err)
	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventChangeover, VoteID: "song-a", Version: 3})

	// Same version, same next song as cached: nothing to announce.
	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventNextSongChanged, VoteID: "song-b", Version: 3})
	_, ok := hub.marker(EventNextSongChanged)
	require.False(t, ok)

	// Same version but a different next song: the cached snapshot lies.
	hub.HandlePlaybackEvent(bus.PlaybackEvent{Event: bus.EventNextSongChanged, VoteID: "song-z", Version: 3})
	m, ok := hub.marker(EventNextSongChanged)
	require.True(t, ok)
	require.Contains(t, string(m.payload), "song-z")
	hub.mu.Lock()
	require.True(t, hub.snap.dirty)
	hub.mu.Unlock()
}

func TestVoteCloseRecordsWinner(t *testing.T) {
	hub, _, _ := setupHub(t)

	hub.HandleVoteEvent(bus.VoteEvent{Event: bus.EventClose, VoteID: "poll-1", WinnerOption: "dreamy"})

	m, ok := hub.marker(EventVoteClosed)
	require.True(t, ok)
	require.Contains(t, string(m.payload), "dreamy")
	require.Equal(t, "dreamy", hub.winnerFor("poll-1"))
	require.Empty(t, hub.winnerFor("poll-2"))
}

func TestTallyDirtyBit(t *testing.T) {
	hub, _, kvc := setupHub(t)
	ctx := context.Background()

	snap := playingSnapshot(3)
	require.NoError(t, kvc.OpenPoll(ctx, "poll-1", snap, time.Minute, time.Hour, snap.Poll.Options))

	tallies, err := hub.Tallies(ctx, "poll-1", false)
	require.NoError(t, err)
	require.EqualValues(t, 0, tallies["dreamy"])

	ok, err := kvc.RecordVote(ctx, "poll-1", "session-1", "dreamy")
	require.NoError(t, err)
	require.True(t, ok)

	// Within staleness the cache still answers zero until the dirty bit.
	tallies, err = hub.Tallies(ctx, "poll-1", false)
	require.NoError(t, err)
	require.EqualValues(t, 0, tallies["dreamy"])

	hub.HandleTallyEvent(bus.TallyEvent{VoteID: "poll-1"})
	tallies, err = hub.Tallies(ctx, "poll-1", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, tallies["dreamy"])
}

func TestStateAggregates(t *testing.T) {
	hub, _, kvc := setupHub(t)
	ctx := context.Background()

	snap := playingSnapshot(3)
	require.NoError(t, kvc.OpenPoll(ctx, "poll-1", snap, time.Minute, time.Hour, snap.Poll.Options))
	require.NoError(t, kvc.Heartbeat(ctx, "session-1", 30*time.Second))

	state, err := hub.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Contains(t, state, "currentSong")
	require.Contains(t, state, "tallies")
	require.EqualValues(t, 1, state["listeners"])
}
