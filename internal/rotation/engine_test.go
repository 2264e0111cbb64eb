// SPDX-License-Identifier: MIT

package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/descriptor"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
	"github.com/pulsefm/pulsefm/internal/tasks"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, task tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) byKind(kind string) []tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []tasks.Task
	for _, task := range q.tasks {
		if task.Kind == kind {
			out = append(out, task)
		}
	}
	return out
}

type rotationFixture struct {
	engine *Engine
	store  *store.Store
	kv     *kv.Client
	bus    *bus.MemoryBus
	queue  *fakeQueue
}

func setupRotation(t *testing.T) *rotationFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvc := kv.NewFromRedis(rdb, zerolog.Nop())

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mb := bus.NewMemoryBus()
	queue := &fakeQueue{}
	cache := snapshot.NewCache(kvc, st, zerolog.Nop())
	sampler := descriptor.NewSampler(2, []string{"dreamy", "driving"})
	polls := poll.NewEngine(st, kvc, cache, mb, sampler, nil, zerolog.Nop())
	engine := NewEngine(st, cache, polls, mb, queue, nil, zerolog.Nop())
	return &rotationFixture{engine: engine, store: st, kv: kvc, bus: mb, queue: queue}
}

// seedStation installs a playing station: song-a current at version 1,
// song-b queued next, song-c freshly ready, plus the stubbed loop.
func seedStation(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	songs := []*station.Song{
		{VoteID: station.StubbedVoteID, DurationMs: 60000, Status: station.SongReady, CreatedAt: 0},
		{VoteID: "song-a", DurationMs: 180000, Status: station.SongPlayed, CreatedAt: station.ToMs(now.Add(-time.Hour))},
		{VoteID: "song-b", DurationMs: 150000, Status: station.SongQueued, CreatedAt: station.ToMs(now.Add(-30 * time.Minute))},
		{VoteID: "song-c", DurationMs: 200000, Status: station.SongReady, CreatedAt: station.ToMs(now.Add(-5 * time.Minute))},
	}
	for _, song := range songs {
		require.NoError(t, st.PutSong(ctx, song))
	}
	require.NoError(t, st.PutStation(ctx, &station.Record{
		VoteID:     "song-a",
		StartAt:    station.ToMs(now.Add(-2 * time.Minute)),
		EndAt:      station.ToMs(now.Add(time.Minute)),
		DurationMs: 180000,
		Version:    1,
		Next:       station.NextSong{VoteID: "song-b", DurationMs: 150000},
	}))
}

func TestTickPromotesNext(t *testing.T) {
	f := setupRotation(t)
	seedStation(t, f.store)
	ctx := context.Background()

	sub := f.bus.Subscribe(bus.TopicPlayback)
	defer func() { _ = sub.Close() }()

	outcome, err := f.engine.Tick(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, station.ActionOK, outcome.Action)
	require.EqualValues(t, 2, outcome.Version)

	rec, err := f.store.Station(ctx)
	require.NoError(t, err)
	require.Equal(t, "song-b", rec.VoteID)
	require.EqualValues(t, 2, rec.Version)
	require.EqualValues(t, 150000, rec.DurationMs)
	require.Equal(t, "song-c", rec.Next.VoteID)

	// Lifecycle advanced: promoted song played, picked song queued.
	played, err := f.store.Song(ctx, "song-b")
	require.NoError(t, err)
	require.Equal(t, station.SongPlayed, played.Status)
	queued, err := f.store.Song(ctx, "song-c")
	require.NoError(t, err)
	require.Equal(t, station.SongQueued, queued.Status)

	// The snapshot describes the new cycle with a fresh open poll. This is
	// the station's first poll, so it opens at poll version 1 even though
	// the station is already at version 2.
	snap, err := f.kv.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "song-b", snap.CurrentSong.VoteID)
	require.Equal(t, "song-c", snap.NextSong.VoteID)
	require.EqualValues(t, 1, snap.Poll.Version)
	require.Equal(t, station.PollOpen, snap.Poll.Status)

	// NEXT-SONG-CHANGED precedes CHANGEOVER.
	first := (<-sub.C()).(bus.PlaybackEvent)
	require.Equal(t, bus.EventNextSongChanged, first.Event)
	require.Equal(t, "song-c", first.VoteID)
	second := (<-sub.C()).(bus.PlaybackEvent)
	require.Equal(t, bus.EventChangeover, second.Event)
	require.Equal(t, "song-b", second.VoteID)
	require.EqualValues(t, 2, second.Version)

	// Successor tasks: the next tick asks for version 3, the close task
	// names the poll that just opened.
	ticks := f.queue.byKind(tasks.KindTick)
	require.Len(t, ticks, 1)
	require.Equal(t, tasks.TickTaskID("song-b", station.FromMs(rec.EndAt), 2), ticks[0].ID)
	require.EqualValues(t, 3, ticks[0].Payload.(TickRequest).Version)

	closes := f.queue.byKind(tasks.KindPollClose)
	require.Len(t, closes, 1)
	require.Equal(t, snap.Poll.VoteID, closes[0].Payload.(CloseRequest).VoteID)
}

func TestTickStaleVersion(t *testing.T) {
	f := setupRotation(t)
	seedStation(t, f.store)
	ctx := context.Background()

	for _, requestVersion := range []int64{0, 1} {
		outcome, err := f.engine.Tick(ctx, requestVersion)
		require.NoError(t, err)
		require.Equal(t, station.ActionNoop, outcome.Action)
		require.Equal(t, station.ReasonStaleVersion, outcome.Reason)
		require.EqualValues(t, 1, outcome.CurrentVersion)
		require.Equal(t, requestVersion, outcome.RequestVersion)
	}

	rec, err := f.store.Station(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version)
	require.Equal(t, "song-a", rec.VoteID)
	require.Empty(t, f.queue.byKind(tasks.KindTick))
}

func TestTickFallsBackToStubbedNext(t *testing.T) {
	f := setupRotation(t)
	seedStation(t, f.store)
	ctx := context.Background()

	// Burn the only ready song so the next slot has no material.
	require.NoError(t, f.store.PutSong(ctx, &station.Song{
		VoteID: "song-c", DurationMs: 200000, Status: station.SongPlayed,
	}))

	outcome, err := f.engine.Tick(ctx, 2)
	require.NoError(t, err)
	require.True(t, outcome.OK())

	rec, err := f.store.Station(ctx)
	require.NoError(t, err)
	require.Equal(t, "song-b", rec.VoteID)
	require.Equal(t, station.StubbedVoteID, rec.Next.VoteID)
	require.EqualValues(t, 60000, rec.Next.DurationMs)

	// The stubbed song never changes status.
	stub, err := f.store.Song(ctx, station.StubbedVoteID)
	require.NoError(t, err)
	require.Equal(t, station.SongReady, stub.Status)
}

func TestTickDanglingNextSlot(t *testing.T) {
	f := setupRotation(t)
	seedStation(t, f.store)
	ctx := context.Background()

	rec, err := f.store.Station(ctx)
	require.NoError(t, err)
	rec.Next = station.NextSong{VoteID: "song-gone", DurationMs: 90000}
	require.NoError(t, f.store.PutStation(ctx, rec))

	outcome, err := f.engine.Tick(ctx, 2)
	require.NoError(t, err)
	require.True(t, outcome.OK())

	rec, err = f.store.Station(ctx)
	require.NoError(t, err)
	require.Equal(t, station.StubbedVoteID, rec.VoteID)
	require.EqualValues(t, 60000, rec.DurationMs)
}

func TestTickIncompleteNextSlotFails(t *testing.T) {
	f := setupRotation(t)
	seedStation(t, f.store)
	ctx := context.Background()

	for _, next := range []station.NextSong{
		{},
		{VoteID: "song-b"},
		{DurationMs: 150000},
	} {
		rec, err := f.store.Station(ctx)
		require.NoError(t, err)
		rec.Next = next
		require.NoError(t, f.store.PutStation(ctx, rec))

		outcome, err := f.engine.Tick(ctx, 2)
		require.ErrorIs(t, err, ErrStateCorrupt)
		require.Equal(t, station.Outcome{}, outcome)

		// Nothing committed: station still playing song-a at version 1.
		rec, err = f.store.Station(ctx)
		require.NoError(t, err)
		require.Equal(t, "song-a", rec.VoteID)
		require.EqualValues(t, 1, rec.Version)
		require.Empty(t, f.queue.byKind(tasks.KindTick))
	}
}

func TestTickNoPlayableMaterial(t *testing.T) {
	f := setupRotation(t)
	ctx := context.Background()

	// The next slot dangles and the stubbed loop was never installed.
	require.NoError(t, f.store.PutStation(ctx, &station.Record{
		VoteID:     "song-a",
		DurationMs: 180000,
		Version:    1,
		Next:       station.NextSong{VoteID: "song-gone", DurationMs: 90000},
	}))

	_, err := f.engine.Tick(ctx, 2)
	require.ErrorIs(t, err, ErrNoMaterial)
	require.NotErrorIs(t, err, ErrStateCorrupt)
}

func TestTickUnseeded(t *testing.T) {
	f := setupRotation(t)
	_, err := f.engine.Tick(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotSeeded)
}

func TestStubbedRotationKeepsLooping(t *testing.T) {
	f := setupRotation(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutSong(ctx, &station.Song{
		VoteID: station.StubbedVoteID, DurationMs: 60000, Status: station.SongReady,
	}))
	require.NoError(t, f.store.PutStation(ctx, &station.Record{
		VoteID:     station.StubbedVoteID,
		DurationMs: 60000,
		Version:    1,
		Next:       station.NextSong{VoteID: station.StubbedVoteID, DurationMs: 60000},
	}))

	// The stubbed song may follow itself indefinitely.
	for version := int64(2); version <= 4; version++ {
		outcome, err := f.engine.Tick(ctx, version)
		require.NoError(t, err)
		require.True(t, outcome.OK())

		rec, err := f.store.Station(ctx)
		require.NoError(t, err)
		require.Equal(t, station.StubbedVoteID, rec.VoteID)
		require.Equal(t, station.StubbedVoteID, rec.Next.VoteID)
		require.Equal(t, version, rec.Version)
	}
}
