package queue

import "github.com/redis/go-redis/v9"

// acquireScript takes a slot of the global concurrency ceiling.
// KEYS: leases. ARGV: now_ms, expires_ms, limit, token.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
return 1
`)

// enqueueScript stores a task and pushes it unless the id already exists.
// KEYS: task, wait. ARGV: id, json.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[2], 'NX') then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// finishScript settles an active task. It only acts when the id is still
// in the active list, so a task recovered as stalled cannot be acked twice.
// KEYS: active, task, deadlines, leases, target.
// ARGV: id, lease, mode (ack|retry|dead), json, due_ms.
var finishScript = redis.NewScript(`
redis.call('ZREM', KEYS[4], ARGV[2])
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
if ARGV[3] == 'ack' then
  redis.call('DEL', KEYS[2])
elseif ARGV[3] == 'retry' then
  redis.call('SET', KEYS[2], ARGV[4])
  redis.call('ZADD', KEYS[5], ARGV[5], ARGV[1])
else
  redis.call('SET', KEYS[2], ARGV[4])
  redis.call('LPUSH', KEYS[5], ARGV[1])
end
return 1
`)

// promoteScript moves due delayed tasks back to the wait list.
// KEYS: delayed, wait. ARGV: now_ms, batch.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// redriveScript moves a dead task back to the wait list.
// KEYS: dead, task, wait. ARGV: id, json.
var redriveScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)
