package redis

import "github.com/redis/go-redis/v9"

// Script results: 1 applied, 0 conflict, -1 missing, -2 rejected.
const (
	scriptApplied  = 1
	scriptConflict = 0
	scriptMissing  = -1
	scriptRejected = -2
)

// KEYS[1] code key, KEYS[2] session hash. ARGV: id, gameId, creatorId, code, state, createdAt.
var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'gameId', ARGV[2], 'creatorId', ARGV[3],
  'code', ARGV[4], 'state', ARGV[5], 'createdAt', ARGV[6], 'startedAt', '', 'finishedAt', '')
return 1
`)

// KEYS[1] session hash. ARGV: from, to, timestamp field, timestamp.
var transitionScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1] users hash, KEYS[2] seq counter, KEYS[3] participant hash, KEYS[4] participant list.
// ARGV: userId, participantId, sessionId, displayName, joinedAt. Returns the seq or 0.
var createParticipantScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then return 0 end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[3], 'id', ARGV[2], 'sessionId', ARGV[3], 'userId', ARGV[1],
  'displayName', ARGV[4], 'score', 0, 'connected', 1, 'joinedAt', ARGV[5], 'seq', seq)
redis.call('RPUSH', KEYS[4], ARGV[2])
return seq
`)

// KEYS[1] session hash, KEYS[2] participant hash, KEYS[3] answers list.
// ARGV: encoded answer, points. Returns the new total, -1 or -2.
var recordAnswerScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'ACTIVE' then return -2 end
if redis.call('EXISTS', KEYS[2]) == 0 then return -1 end
redis.call('RPUSH', KEYS[3], ARGV[1])
return redis.call('HINCRBY', KEYS[2], 'score', ARGV[2])
`)

// KEYS[1] participant hash. ARGV: connected flag.
var setConnectedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'connected', ARGV[1])
return 1
`)

// KEYS[1] session hash, KEYS[2] results list, KEYS[3] participant list.
// ARGV: finishedAt, n, n user ids, n totals, n encoded results.
var finalizeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'ACTIVE' then return 0 end
local n = tonumber(ARGV[2])
local ids = redis.call('LRANGE', KEYS[3], 0, -1)
if #ids ~= n then return -2 end
local totals = {}
for i = 1, n do
  totals[ARGV[2 + i]] = ARGV[2 + n + i]
end
for _, id in ipairs(ids) do
  local p = redis.call('HMGET', 'quiz:participant:' .. id, 'userId', 'score')
  if totals[p[1]] ~= p[2] then return -2 end
end
redis.call('DEL', KEYS[2])
for i = 3 + 2 * n, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('HSET', KEYS[1], 'state', 'FINISHED', 'finishedAt', ARGV[1])
return 1
`)
