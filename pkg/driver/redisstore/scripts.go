package redisstore

import "github.com/redis/go-redis/v9"

// Every state transition is a Lua script so the eligibility check and the
// mark are one atomic step: two concurrent pollers can never claim the same
// task while its deadline is unexpired.

// leaseScript claims up to ARGV[2] eligible tasks from one queue.
// Expired leases are reclaimed before fresh pending tasks so a crashed
// worker's tasks do not starve behind new arrivals.
//
// KEYS[1] = sched zset (score: available_at ms)
// KEYS[2] = leased zset (score: visibility deadline ms)
// ARGV[1] = now ms, ARGV[2] = batch, ARGV[3] = deadline ms, ARGV[4] = task hash prefix
// Returns a flat [id, attempts, body, ...] array.
var leaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local remaining = tonumber(ARGV[2]) - #ids
if remaining > 0 then
  local fresh = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, remaining)
  for _, id in ipairs(fresh) do
    ids[#ids + 1] = id
  end
end
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
  local attempts = redis.call('HINCRBY', ARGV[4] .. id, 'attempts', 1)
  local body = redis.call('HGET', ARGV[4] .. id, 'body')
  out[#out + 1] = id
  out[#out + 1] = attempts
  out[#out + 1] = body
end
return out
`)

// extendScript refreshes an unexpired lease.
// KEYS[1] = leased zset; ARGV[1] = id, ARGV[2] = now ms, ARGV[3] = new deadline ms
// Returns 1 on success, 0 when the lease is expired or gone.
var extendScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) < tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// ackScript completes a leased task and drops its state.
// KEYS[1] = leased zset, KEYS[2] = task hash; ARGV[1] = id
// Returns 1 on success, 0 when the caller no longer holds the lease.
var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// releaseScript returns a leased task to the scheduled set.
// KEYS[1] = leased zset, KEYS[2] = sched zset; ARGV[1] = id, ARGV[2] = available_at ms
// Returns 1 on success, 0 when the caller no longer holds the lease.
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// deadLetterScript archives a leased task and drops its live state.
// KEYS[1] = leased zset, KEYS[2] = task hash, KEYS[3] = dead hash
// ARGV[1] = id, ARGV[2] = archived task JSON
// Returns 1 on success, 0 when the caller no longer holds the lease.
var deadLetterScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)
