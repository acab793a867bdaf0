// Copyright 2025 James Ross
package redisq

// claimScript atomically pops the highest-priority ready job for a
// type and fences it into the active set with a lease expiry, the
// same check-then-act-atomically shape as the teacher's
// internal/exactly_once.RedisIdempotencyManager.CheckAndReserve script.
//
// KEYS[1] = waiting:{type}, KEYS[2] = active:{type}
// ARGV[1] = now unix ms, ARGV[2] = lease expiry unix ms
// The job record itself is updated by the caller after the pop.
const claimScript = `
local waiting = KEYS[1]
local active = KEYS[2]
local now = tonumber(ARGV[1])
local lease_until = tonumber(ARGV[2])

local popped = redis.call('ZPOPMIN', waiting)
if #popped == 0 then
  return nil
end
local id = popped[1]
redis.call('ZADD', active, lease_until, id)
return id
`

// completeScript removes a job from the active set unconditionally;
// the caller writes the job's new state to its job:{id} record in the
// same MULTI transaction.
//
// KEYS[1] = active:{type}
// ARGV[1] = job id
const completeScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`

// reclaimExpiredScript atomically fences every lease in active:{type}
// that expired before ARGV[1] out of the active set, grounded on the
// teacher's internal/reaper.Reaper.scanOnce sweep pattern but keyed off
// lease expiry in a sorted set instead of per-worker processing lists.
// It deliberately stops at removing the ids from active: deciding
// whether each one is requeued to waiting or marked failed depends on
// its per-job stalledCount, which lives in the job:{id} record, not in
// this set, so that decision is made by the caller per job (spec.md section
// 4.4 "Recover stalled").
//
// KEYS[1] = active:{type}
// ARGV[1] = now unix ms, ARGV[2] = max to reclaim
const reclaimExpiredScript = `
local active = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local expired = redis.call('ZRANGEBYSCORE', active, '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(expired) do
  redis.call('ZREM', active, id)
end
return expired
`
