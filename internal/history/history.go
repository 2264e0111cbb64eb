// SPDX-License-Identifier: MIT

// Package history archives finished playback cycles and closed poll results
// in a local SQLite file. The archive is write-mostly and strictly
// best-effort: rotation never fails because history could not be written.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pulsefm/pulsefm/internal/station"
)

const schema = `
CREATE TABLE IF NOT EXISTS plays (
	version     INTEGER PRIMARY KEY,
	vote_id     TEXT    NOT NULL,
	started_at  INTEGER NOT NULL,
	ends_at     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	stubbed     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS poll_results (
	vote_id       TEXT    PRIMARY KEY,
	version       INTEGER NOT NULL,
	winner_option TEXT    NOT NULL,
	total_votes   INTEGER NOT NULL,
	closed_at     INTEGER NOT NULL,
	tallies       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plays_started_at ON plays(started_at DESC);
`

// Recorder writes the playback archive. A nil Recorder is valid and drops
// every write, which is how deployments without a history path run.
type Recorder struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the archive at path and applies the schema. An
// empty path disables the archive and returns a nil Recorder.
func Open(path string, logger zerolog.Logger) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history at %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	logger.Info().Str("path", path).Msg("playback history enabled")
	return &Recorder{db: db, logger: logger}, nil
}

// Close closes the archive.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// Play is one archived playback cycle.
type Play struct {
	Version    int64  `json:"version"`
	VoteID     string `json:"voteId"`
	StartedAt  int64  `json:"startedAt"`
	EndsAt     int64  `json:"endsAt"`
	DurationMs int64  `json:"durationMs"`
	Stubbed    bool   `json:"stubbed"`
}

// PollResult is one archived poll outcome.
type PollResult struct {
	VoteID       string           `json:"voteId"`
	Version      int64            `json:"version"`
	WinnerOption string           `json:"winnerOption"`
	TotalVotes   int64            `json:"totalVotes"`
	ClosedAt     int64            `json:"closedAt"`
	Tallies      map[string]int64 `json:"tallies"`
}

// RecordPlay archives one playback cycle. Replays of the same version
// overwrite, so a retried rotation tick stays idempotent.
func (r *Recorder) RecordPlay(ctx context.Context, rec *station.Record) {
	if r == nil {
		return
	}
	stubbed := 0
	if rec.VoteID == station.StubbedVoteID {
		stubbed = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO plays (version, vote_id, started_at, ends_at, duration_ms, stubbed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Version, rec.VoteID, rec.StartAt, rec.EndAt, rec.DurationMs, stubbed)
	if err != nil {
		r.logger.Warn().Err(err).Int64("version", rec.Version).Msg("history play write failed")
	}
}

// RecordPollResult archives one closed poll.
func (r *Recorder) RecordPollResult(ctx context.Context, poll *station.Poll, totalVotes int64) {
	if r == nil {
		return
	}
	tallies, err := json.Marshal(poll.Tallies)
	if err != nil {
		tallies = []byte("{}")
	}
	closedAt := poll.ClosedAt
	if closedAt == 0 {
		closedAt = station.ToMs(time.Now())
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO poll_results (vote_id, version, winner_option, total_votes, closed_at, tallies)
		VALUES (?, ?, ?, ?, ?, ?)`,
		poll.VoteID, poll.Version, poll.WinnerOption, totalVotes, closedAt, string(tallies))
	if err != nil {
		r.logger.Warn().Err(err).Str("vote_id", poll.VoteID).Msg("history poll write failed")
	}
}

// RecentPlays returns up to limit archived plays, newest first.
func (r *Recorder) RecentPlays(ctx context.Context, limit int) ([]Play, error) {
	if r == nil {
		return nil, nil
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT version, vote_id, started_at, ends_at, duration_ms, stubbed
		FROM plays ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query plays: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plays []Play
	for rows.Next() {
		var p Play
		var stubbed int
		if err := rows.Scan(&p.Version, &p.VoteID, &p.StartedAt, &p.EndsAt, &p.DurationMs, &stubbed); err != nil {
			return nil, fmt.Errorf("scan play: %w", err)
		}
		p.Stubbed = stubbed != 0
		plays = append(plays, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plays: %w", err)
	}
	return plays, nil
}

// PollResultByVote returns one archived poll result, or nil when the poll
// was never archived.
func (r *Recorder) PollResultByVote(ctx context.Context, voteID string) (*PollResult, error) {
	if r == nil {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT vote_id, version, winner_option, total_votes, closed_at, tallies
		FROM poll_results WHERE vote_id = ?`, voteID)

	var res PollResult
	var tallies string
	err := row.Scan(&res.VoteID, &res.Version, &res.WinnerOption, &res.TotalVotes, &res.ClosedAt, &tallies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan poll result: %w", err)
	}
	if err := json.Unmarshal([]byte(tallies), &res.Tallies); err != nil {
		res.Tallies = map[string]int64{}
	}
	return &res, nil
}
