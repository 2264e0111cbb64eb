// SPDX-License-Identifier: MIT

package kv

import "github.com/redis/go-redis/v9"

// Server-side scripts. Vote admission and poll initialization must stay
// atomic on the Redis side: the at-most-once invariant depends on the
// dedupe insertion and the tally increment committing together.

// pollOpenScript installs a fresh poll: snapshot with its playback TTL,
// zeroed tallies, and an emptied dedupe set, all under the state TTL.
// KEYS = {snapshot, tally, voted}; ARGV = {snapshotJSON, snapshotTTLSec,
// stateTTLSec, opt1, 0, opt2, 0, ...}.
var pollOpenScript = redis.NewScript(`
local playback_key = KEYS[1]
local tally_key = KEYS[2]
local voted_key = KEYS[3]

local playback_json = ARGV[1]
local playback_ttl = tonumber(ARGV[2])
local state_ttl = tonumber(ARGV[3])

redis.call("SET", playback_key, playback_json, "EX", playback_ttl)

redis.call("DEL", tally_key)
for i = 4, #ARGV, 2 do
  redis.call("HSET", tally_key, ARGV[i], ARGV[i + 1])
end
redis.call("EXPIRE", tally_key, state_ttl)

redis.call("DEL", voted_key)
redis.call("SADD", voted_key, "__init__")
redis.call("SREM", voted_key, "__init__")
redis.call("EXPIRE", voted_key, state_ttl)

return "ok"
`)

// voteScript admits one vote: the tally increment happens only when the
// session enters the dedupe set for the first time.
// KEYS = {voted, tally}; ARGV = {sessionId, option}. Returns 1 if counted.
var voteScript = redis.NewScript(`
local voted_key = KEYS[1]
local tally_key = KEYS[2]
local session_id = ARGV[1]
local option = ARGV[2]

local added = redis.call("SADD", voted_key, session_id)
if added == 1 then
  redis.call("HINCRBY", tally_key, option, 1)
  return 1
end
return 0
`)

// heartbeatScript refreshes one session key and the station-active flag in
// a single round trip. KEYS = {session, active}; ARGV = {ttlSec}.
var heartbeatScript = redis.NewScript(`
local session_key = KEYS[1]
local active_key = KEYS[2]
local ttl = tonumber(ARGV[1])

redis.call("SET", session_key, "1", "EX", ttl)
redis.call("SET", active_key, "1", "EX", ttl)

return "ok"
`)
