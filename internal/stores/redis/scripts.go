package redisice

import r "github.com/redis/go-redis/v9"

// popDueScript removes up to ARGV[2] due members from the Delay Bucket and
// returns them flattened as (id, score, gen, topic) quadruples ordered by
// score then insertion sequence. When ARGV[3] is "1" each entry is also
// appended to the Ready Queue named ARGV[4]..topic.
//
// The zset orders equal scores by member, not by insertion, so the cut is
// made after sorting: every member scored at or below the max-th score is
// read, and only the first max by (score, seq) are removed.
//
// KEYS[1] delay zset, KEYS[2] delay meta hash
// ARGV[1] now ms, ARGV[2] max, ARGV[3] promote flag, ARGV[4] ready key prefix
var popDueScript = r.NewScript(`
local max = tonumber(ARGV[2])
local upper = ARGV[1]
local edge = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', max - 1, 1)
if #edge > 0 then
  upper = edge[2]
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', upper, 'WITHSCORES')
local entries = {}
for k = 1, #due, 2 do
  local id, score = due[k], due[k + 1]
  local meta = redis.call('HGET', KEYS[2], id)
  local gen, seq, topic
  if meta then
    gen, seq, topic = string.match(meta, '^(%d+)|(%d+)|(.*)$')
  end
  if gen then
    table.insert(entries, {id, score, tonumber(score), tonumber(seq), gen, topic})
  else
    redis.call('ZREM', KEYS[1], id)
    redis.call('HDEL', KEYS[2], id)
  end
end
table.sort(entries, function(a, b)
  if a[3] == b[3] then
    return a[4] < b[4]
  end
  return a[3] < b[3]
end)
local out = {}
for k, e in ipairs(entries) do
  if k > max then
    break
  end
  redis.call('ZREM', KEYS[1], e[1])
  redis.call('HDEL', KEYS[2], e[1])
  if ARGV[3] == '1' then
    redis.call('RPUSH', ARGV[4] .. e[6], e[5] .. '|' .. e[2] .. '|' .. e[1])
  end
  table.insert(out, e[1])
  table.insert(out, e[2])
  table.insert(out, e[5])
  table.insert(out, e[6])
end
return out
`)
