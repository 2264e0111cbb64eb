// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/descriptor"
	"github.com/pulsefm/pulsefm/internal/history"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/ratelimit"
	"github.com/pulsefm/pulsefm/internal/rotation"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
	"github.com/pulsefm/pulsefm/internal/tasks"
)

type nullQueue struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (q *nullQueue) Enqueue(_ context.Context, task tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

type apiFixture struct {
	store   *store.Store
	kv      *kv.Client
	cache   *snapshot.Cache
	engine  *rotation.Engine
	polls   *poll.Engine
	history *history.Recorder
	bus     *bus.MemoryBus
}

func setupFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvc := kv.NewFromRedis(rdb, zerolog.Nop())

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec, err := history.Open(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	mb := bus.NewMemoryBus()
	cache := snapshot.NewCache(kvc, st, zerolog.Nop())
	sampler := descriptor.NewSampler(2, []string{"dreamy", "driving"})
	polls := poll.NewEngine(st, kvc, cache, mb, sampler, rec, zerolog.Nop())
	engine := rotation.NewEngine(st, cache, polls, mb, &nullQueue{}, rec, zerolog.Nop())
	return &apiFixture{store: st, kv: kvc, cache: cache, engine: engine, polls: polls, history: rec, bus: mb}
}

func (f *apiFixture) seed(t *testing.T) {
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
		require.NoError(t, f.store.PutSong(ctx, song))
	}
	require.NoError(t, f.store.PutStation(ctx, &station.Record{
		VoteID:     "song-a",
		StartAt:    station.ToMs(now.Add(-2 * time.Minute)),
		EndAt:      station.ToMs(now.Add(time.Minute)),
		DurationMs: 180000,
		Version:    1,
		Next:       station.NextSong{VoteID: "song-b", DurationMs: 150000},
	}))
}

func (f *apiFixture) rotationRouter(token string) http.Handler {
	return NewRotationRouter(StackConfig{}, RotationDeps{
		Engine:    f.engine,
		Polls:     f.polls,
		Cache:     f.cache,
		History:   f.history,
		TaskToken: token,
		Logger:    zerolog.Nop(),
	})
}

func postJSON(t *testing.T, handler http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestTickEndpoint(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	router := f.rotationRouter("task-secret")

	rr := postJSON(t, router, "/tick", "task-secret", rotation.TickRequest{Version: 2})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["ok"])
	require.EqualValues(t, 2, body["version"])

	// Replays of the same version are acknowledged noops.
	rr = postJSON(t, router, "/tick", "task-secret", rotation.TickRequest{Version: 2})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	require.Equal(t, false, body["ok"])
	require.Equal(t, station.ReasonStaleVersion, body["reason"])
}

func TestTickRejectsBadRequests(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	router := f.rotationRouter("task-secret")

	rr := postJSON(t, router, "/tick", "task-secret", map[string]any{"version": 0})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/tick", bytes.NewReader([]byte("not json")))
	req.Header.Set("Authorization", "Bearer task-secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTaskEndpointsRequireToken(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	router := f.rotationRouter("task-secret")

	for _, path := range []string{"/tick", "/vote/close", "/next/refresh"} {
		rr := postJSON(t, router, path, "", map[string]any{"version": 2})
		require.Equal(t, http.StatusUnauthorized, rr.Code, path)
		rr = postJSON(t, router, path, "wrong", map[string]any{"version": 2})
		require.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
}

func TestTickUnseededStation(t *testing.T) {
	f := setupFixture(t)
	router := f.rotationRouter("")

	rr := postJSON(t, router, "/tick", "", rotation.TickRequest{Version: 1})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	f := setupFixture(t)
	router := f.rotationRouter("")

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)

	f.seed(t)
	rr = postJSON(t, router, "/tick", "", rotation.TickRequest{Version: 2})
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap station.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Equal(t, "song-b", snap.CurrentSong.VoteID)
	require.Equal(t, station.PollOpen, snap.Poll.Status)
}

func TestHistoryEndpoint(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	router := f.rotationRouter("")

	rr := postJSON(t, router, "/tick", "", rotation.TickRequest{Version: 2})
	require.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/history?limit=5", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	plays := body["plays"].([]any)
	require.Len(t, plays, 1)
	first := plays[0].(map[string]any)
	require.Equal(t, "song-b", first["voteId"])

	req = httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVoteCloseEndpoint(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	router := f.rotationRouter("")
	ctx := context.Background()

	rr := postJSON(t, router, "/tick", "", rotation.TickRequest{Version: 2})
	require.Equal(t, http.StatusOK, rr.Code)
	snap, err := f.cache.Get(ctx)
	require.NoError(t, err)

	// A close without a version would bypass the compare-and-set, so the
	// handler rejects it before the engine sees it.
	rr = postJSON(t, router, "/vote/close", "", map[string]string{"voteId": snap.Poll.VoteID})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = postJSON(t, router, "/vote/close", "", map[string]int64{"version": snap.Poll.Version})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postJSON(t, router, "/vote/close", "", rotation.CloseRequest{
		VoteID: snap.Poll.VoteID, Version: snap.Poll.Version,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["ok"])
	require.Equal(t, station.ActionClosed, body["action"])

	// Replaying the close is a safe noop.
	rr = postJSON(t, router, "/vote/close", "", rotation.CloseRequest{
		VoteID: snap.Poll.VoteID, Version: snap.Poll.Version,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	require.Equal(t, false, body["ok"])
	require.Equal(t, station.ReasonAlreadyClosed, body["reason"])
}

func TestNextRefreshEndpoint(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	router := f.rotationRouter("")

	// The next slot holds a real song, so a refresh refuses to replace it.
	rr := postJSON(t, router, "/next/refresh", "", map[string]string{"voteId": "song-c"})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, false, body["ok"])
	require.Equal(t, station.ReasonNextNotStubbed, body["reason"])

	rr = postJSON(t, router, "/next/refresh", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := setupFixture(t)
	router := f.rotationRouter("")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "healthy", decodeBody(t, rr)["status"])
}

func voteRouter(f *apiFixture, limiter *ratelimit.Limiter) http.Handler {
	voter := poll.NewVoter(f.kv, f.cache, f.bus, zerolog.Nop())
	return NewVoteRouter(StackConfig{}, VoteDeps{
		Voter:   voter,
		KV:      f.kv,
		Limiter: limiter,
		Logger:  zerolog.Nop(),
	})
}

func castVote(t *testing.T, handler http.Handler, sessionID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/vote", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestVoteEndpoint(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	_, err := f.engine.Tick(ctx, 2)
	require.NoError(t, err)
	snap, err := f.cache.Get(ctx)
	require.NoError(t, err)
	option := snap.Poll.Options[0]

	router := voteRouter(f, nil)

	rr := castVote(t, router, "", map[string]string{"voteId": snap.Poll.VoteID, "option": option})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = castVote(t, router, "sess-1", map[string]string{"voteId": snap.Poll.VoteID, "option": option})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", decodeBody(t, rr)["status"])

	rr = castVote(t, router, "sess-1", map[string]string{"voteId": snap.Poll.VoteID, "option": option})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "duplicate", decodeBody(t, rr)["status"])

	rr = castVote(t, router, "sess-2", map[string]string{"voteId": snap.Poll.VoteID, "option": "no-such-option"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_option", decodeBody(t, rr)["status"])

	rr = castVote(t, router, "sess-2", map[string]string{"voteId": "vote-stale", "option": option})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "vote_not_current", decodeBody(t, rr)["status"])
}

func TestVoteRateLimit(t *testing.T) {
	f := setupFixture(t)
	f.seed(t)
	ctx := context.Background()

	_, err := f.engine.Tick(ctx, 2)
	require.NoError(t, err)
	snap, err := f.cache.Get(ctx)
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{
		PerIPRate: 1, PerIPBurst: 2,
		SessionRate: 100, SessionBurst: 100,
		CleanupInterval: time.Hour,
	})
	router := voteRouter(f, limiter)

	body := map[string]string{"voteId": snap.Poll.VoteID, "option": snap.Poll.Options[0]}
	for i := 0; i < 2; i++ {
		rr := castVote(t, router, "sess-1", body)
		require.NotEqual(t, http.StatusTooManyRequests, rr.Code)
	}
	rr := castVote(t, router, "sess-1", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	f := setupFixture(t)
	router := voteRouter(f, nil)

	req := httptest.NewRequest(http.MethodPost, "/heartbeat", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/heartbeat", nil)
	req.Header.Set("X-Session-Id", "sess-1")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	count, err := f.kv.CountActiveSessions(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
