package queue

import "github.com/redis/go-redis/v9"

// Скрипты выполняются атомарно. Ключи задач собираются из префикса очереди
// (последний KEYS), поэтому все ключи одной очереди должны жить на одном узле.

// addScript: KEYS = job, wait, delayed
// ARGV = id, name, data, meta, attempts, backoff, timestamp, dueAt
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'name', ARGV[2], 'data', ARGV[3], 'meta', ARGV[4],
  'attempts', ARGV[5], 'backoff', ARGV[6], 'timestamp', ARGV[7], 'attemptsMade', 0)
local due = tonumber(ARGV[8])
if due > 0 then
  redis.call('ZADD', KEYS[3], due, ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// reserveScript: KEYS = wait, active, delayed, paused, prefix
// ARGV = now, leaseMs, token
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 1000)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
end
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
  return false
end
local jobKey = KEYS[5] .. 'job:' .. id
redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('HSET', jobKey, 'processedOn', ARGV[1])
redis.call('SET', KEYS[5] .. 'lock:' .. id, ARGV[3], 'PX', ARGV[2])
return id
`)

// trimFinished удаляет самые старые завершённые задачи сверх лимита keep.
const trimFinished = `
local function trim(setKey, prefix, keep)
  if keep < 0 then
    return
  end
  local excess = redis.call('ZCARD', setKey) - keep
  if excess > 0 then
    local old = redis.call('ZRANGE', setKey, 0, excess - 1)
    for _, oid in ipairs(old) do
      redis.call('DEL', prefix .. 'job:' .. oid)
    end
    redis.call('ZREMRANGEBYRANK', setKey, 0, excess - 1)
  end
end
`

// completeScript: KEYS = active, completed, job, lock, prefix
// ARGV = id, now, returnValue, keep, token
var completeScript = redis.NewScript(trimFinished + `
local lock = redis.call('GET', KEYS[4])
if lock and lock ~= ARGV[5] then
  return -1
end
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return -1
end
redis.call('DEL', KEYS[4])
redis.call('HSET', KEYS[3], 'finishedOn', ARGV[2], 'returnValue', ARGV[3])
redis.call('HDEL', KEYS[3], 'failedReason')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
trim(KEYS[2], KEYS[5], tonumber(ARGV[4]))
return 1
`)

// failScript: KEYS = active, delayed, failed, job, lock, prefix
// ARGV = id, now, reason, retry, keep, token
// Возвращает 1 — запланирован retry, 0 — задача в failed, -1 — аренда потеряна.
var failScript = redis.NewScript(trimFinished + `
local lock = redis.call('GET', KEYS[5])
if lock and lock ~= ARGV[6] then
  return -1
end
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return -1
end
redis.call('DEL', KEYS[5])
redis.call('HSET', KEYS[4], 'failedReason', ARGV[3])
local made = tonumber(redis.call('HGET', KEYS[4], 'attemptsMade') or '0')
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts') or '1')
if ARGV[4] == '1' and made < attempts then
  local backoff = tonumber(redis.call('HGET', KEYS[4], 'backoff') or '0')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + backoff, ARGV[1])
  return 1
end
redis.call('HSET', KEYS[4], 'finishedOn', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
trim(KEYS[3], KEYS[6], tonumber(ARGV[5]))
return 0
`)

// extendScript: KEYS = lock; ARGV = token, leaseMs
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// recoverScript: KEYS = active, wait, prefix
// Задачи из active без аренды возвращаются в голову очереди ожидания.
var recoverScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
  if redis.call('EXISTS', KEYS[3] .. 'lock:' .. id) == 0 then
    redis.call('LREM', KEYS[1], 0, id)
    redis.call('RPUSH', KEYS[2], id)
    n = n + 1
  end
end
return n
`)
