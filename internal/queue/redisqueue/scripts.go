package redisqueue

import "github.com/redis/go-redis/v9"

// All cross-key mutations run as Lua scripts so the check-and-mutate
// happens in a single round trip, matching BullMQ's own approach and the
// spec's ownership-guard requirements (RenewLease/Complete/Fail/
// UpdateStages must all verify the calling worker still owns the job
// before writing).

// enqueueScript implements Enqueue's dedup/replace policy atomically:
// KEYS[1]=keyIndex KEYS[2]=wait KEYS[3]=delayed KEYS[4]=all
// ARGV: id, queue, userKey, data, metadata, priority, scheduledForMs, maxAttempts,
//       nowMs, replacePolicy, stagesJSON, jobKeyPrefix, idIndexPrefix, userKeyIndexPrefix
// Returns: the resolved job id, or an error string "REPLACE_ACTIVE_UNSUPPORTED".
var enqueueScript = redis.NewScript(`
local keyIndex   = KEYS[1]
local waitKey    = KEYS[2]
local delayedKey = KEYS[3]
local allKey     = KEYS[4]

local newID          = ARGV[1]
local queueName       = ARGV[2]
local userKey        = ARGV[3]
local data           = ARGV[4]
local metadata       = ARGV[5]
local priority       = ARGV[6]
local scheduledForMs = tonumber(ARGV[7])
local maxAttempts    = ARGV[8]
local nowMs          = tonumber(ARGV[9])
local replacePolicy  = ARGV[10]
local stagesJSON     = ARGV[11]
local jobKeyPrefix   = ARGV[12]
local idIndexPrefix  = ARGV[13]
local userKeyIndexPrefix = ARGV[14]

local function idIndexKey(id)
  return idIndexPrefix .. ":" .. id
end

local function userKeyIndexKey(key)
  return userKeyIndexPrefix .. ":" .. key
end

local function jobKey(id)
  return jobKeyPrefix .. ":" .. id
end

local function score(prio, whenMs)
  return (tonumber(prio) * 1e13) + whenMs
end

local function insertFresh(id)
  redis.call("HSET", jobKey(id),
    "id", id, "queue", queueName, "key", userKey, "data", data, "metadata", metadata,
    "priority", priority, "scheduledFor", scheduledForMs, "attempts", 0,
    "maxAttempts", maxAttempts, "status", "pending", "lockedBy", "", "lockedAt", "",
    "expiresAt", "", "lastError", "", "stages", stagesJSON, "overallProgress", 0,
    "createdAt", nowMs, "updatedAt", nowMs)
  redis.call("SADD", allKey, id)
  if scheduledForMs <= nowMs then
    redis.call("ZADD", waitKey, score(priority, scheduledForMs), id)
  else
    redis.call("ZADD", delayedKey, scheduledForMs, id)
  end
  if userKey ~= "" then
    redis.call("SET", keyIndex, id)
    redis.call("SET", userKeyIndexKey(userKey), id)
  end
  redis.call("SET", idIndexKey(id), queueName)
  return id
end

if userKey == "" then
  return insertFresh(newID)
end

local existingID = redis.call("GET", keyIndex)
if not existingID then
  return insertFresh(newID)
end

local existingStatus = redis.call("HGET", jobKey(existingID), "status")
if replacePolicy == "never" then
  return existingID
end
if existingStatus == "processing" then
  if replacePolicy == "always" then
    return redis.error_reply("REPLACE_ACTIVE_UNSUPPORTED")
  end
  return existingID
end

-- if_not_active or always against a non-processing row: reset in place.
redis.call("ZREM", waitKey, existingID)
redis.call("ZREM", delayedKey, existingID)
redis.call("HSET", jobKey(existingID),
  "data", data, "metadata", metadata, "priority", priority,
  "scheduledFor", scheduledForMs, "attempts", 0, "maxAttempts", maxAttempts,
  "status", "pending", "lockedBy", "", "lockedAt", "", "expiresAt", "",
  "lastError", "", "stages", stagesJSON, "overallProgress", 0, "updatedAt", nowMs)
if scheduledForMs <= nowMs then
  redis.call("ZADD", waitKey, score(priority, scheduledForMs), existingID)
else
  redis.call("ZADD", delayedKey, scheduledForMs, existingID)
end
return existingID
`)

// claimScript migrates due delayed jobs into wait, then pops up to n ids in
// claim order and marks them processing.
// KEYS[1]=wait KEYS[2]=delayed KEYS[3]=active
// ARGV: nowMs, leaseExpiresMs, workerID, n, jobKeyPrefix
// Returns: array of claimed job ids.
var claimScript = redis.NewScript(`
local waitKey    = KEYS[1]
local delayedKey = KEYS[2]
local activeKey  = KEYS[3]

local nowMs        = tonumber(ARGV[1])
local expiresMs    = ARGV[2]
local workerID     = ARGV[3]
local n            = tonumber(ARGV[4])
local jobKeyPrefix = ARGV[5]

local function jobKey(id)
  return jobKeyPrefix .. ":" .. id
end

local due = redis.call("ZRANGEBYSCORE", delayedKey, "-inf", nowMs)
for _, id in ipairs(due) do
  local priority = redis.call("HGET", jobKey(id), "priority")
  local scheduledFor = redis.call("HGET", jobKey(id), "scheduledFor")
  redis.call("ZREM", delayedKey, id)
  redis.call("ZADD", waitKey, (tonumber(priority) * 1e13) + tonumber(scheduledFor), id)
end

local claimed = redis.call("ZRANGE", waitKey, 0, n - 1)
local result = {}
for _, id in ipairs(claimed) do
  redis.call("ZREM", waitKey, id)
  redis.call("HINCRBY", jobKey(id), "attempts", 1)
  redis.call("HSET", jobKey(id),
    "status", "processing", "lockedBy", workerID, "lockedAt", nowMs, "expiresAt", expiresMs)
  redis.call("ZADD", activeKey, expiresMs, id)
  table.insert(result, id)
end
return result
`)

// renewLeaseScript conditionally extends a lease.
// KEYS[1]=job hash KEYS[2]=active
// ARGV: workerID, newExpiresMs, id
// Returns 1 on success, 0 if not owned/not processing.
var renewLeaseScript = redis.NewScript(`
local jobKey   = KEYS[1]
local activeKey = KEYS[2]
local workerID     = ARGV[1]
local newExpiresMs = ARGV[2]
local id            = ARGV[3]

local status   = redis.call("HGET", jobKey, "status")
local lockedBy = redis.call("HGET", jobKey, "lockedBy")
if status ~= "processing" or lockedBy ~= workerID then
  return 0
end
redis.call("HSET", jobKey, "expiresAt", newExpiresMs)
redis.call("ZADD", activeKey, newExpiresMs, id)
return 1
`)

// completeScript conditionally marks a job completed.
// KEYS[1]=job hash KEYS[2]=active
// ARGV: workerID, nowMs, id
var completeScript = redis.NewScript(`
local jobKey   = KEYS[1]
local activeKey = KEYS[2]
local workerID = ARGV[1]
local nowMs    = ARGV[2]
local id       = ARGV[3]

local status   = redis.call("HGET", jobKey, "status")
local lockedBy = redis.call("HGET", jobKey, "lockedBy")
if status ~= "processing" or lockedBy ~= workerID then
  return 0
end
redis.call("HSET", jobKey,
  "status", "completed", "overallProgress", 100, "lockedBy", "", "lockedAt", "",
  "expiresAt", "", "updatedAt", nowMs)
redis.call("ZREM", activeKey, id)
return 1
`)

// failScript conditionally marks a job failed or returns it to pending
// (when requeueAtMs is non-empty) with backoff, clearing the lease either
// way.
// KEYS[1]=job hash KEYS[2]=active KEYS[3]=wait KEYS[4]=delayed
// ARGV: workerID, nowMs, errStr, requeueAtMs ("" if terminal), id
var failScript = redis.NewScript(`
local jobKey    = KEYS[1]
local activeKey = KEYS[2]
local waitKey   = KEYS[3]
local delayedKey = KEYS[4]

local workerID    = ARGV[1]
local nowMs       = ARGV[2]
local errStr      = ARGV[3]
local requeueAtMs = ARGV[4]
local id          = ARGV[5]

local status   = redis.call("HGET", jobKey, "status")
local lockedBy = redis.call("HGET", jobKey, "lockedBy")
if status ~= "processing" or lockedBy ~= workerID then
  return 0
end

redis.call("ZREM", activeKey, id)
if requeueAtMs ~= "" then
  redis.call("HSET", jobKey,
    "status", "pending", "lastError", errStr, "lockedBy", "", "lockedAt", "",
    "expiresAt", "", "scheduledFor", requeueAtMs, "updatedAt", nowMs)
  redis.call("ZADD", delayedKey, tonumber(requeueAtMs), id)
else
  redis.call("HSET", jobKey,
    "status", "failed", "lastError", errStr, "lockedBy", "", "lockedAt", "",
    "expiresAt", "", "updatedAt", nowMs)
end
return 1
`)

// cancelScript moves a pending or processing job straight to failed.
// KEYS[1]=job hash KEYS[2]=wait KEYS[3]=active KEYS[4]=delayed
// ARGV: id
var cancelScript = redis.NewScript(`
local jobKey     = KEYS[1]
local waitKey    = KEYS[2]
local activeKey  = KEYS[3]
local delayedKey = KEYS[4]
local id         = ARGV[1]

local status = redis.call("HGET", jobKey, "status")
if status ~= "pending" and status ~= "processing" then
  return 0
end
redis.call("ZREM", waitKey, id)
redis.call("ZREM", activeKey, id)
redis.call("ZREM", delayedKey, id)
redis.call("HSET", jobKey, "status", "failed", "lastError", "cancelled", "lockedBy", "", "lockedAt", "", "expiresAt", "")
return 1
`)

// retryScript resets a failed job to pending, scheduled now.
// KEYS[1]=job hash KEYS[2]=wait
// ARGV: nowMs, id
var retryScript = redis.NewScript(`
local jobKey = KEYS[1]
local waitKey = KEYS[2]
local nowMs = ARGV[1]
local id    = ARGV[2]

local status = redis.call("HGET", jobKey, "status")
if status ~= "failed" then
  return 0
end
local priority = redis.call("HGET", jobKey, "priority")
redis.call("HSET", jobKey, "status", "pending", "attempts", 0, "scheduledFor", nowMs, "lastError", "", "updatedAt", nowMs)
redis.call("ZADD", waitKey, (tonumber(priority) * 1e13) + tonumber(nowMs), id)
return 1
`)

// staleReclaimScript moves one expired active job back to wait as pending,
// clearing its lease. Used by the stalled-job reaper.
// KEYS[1]=job hash KEYS[2]=active KEYS[3]=wait
// ARGV: id, nowMs
var staleReclaimScript = redis.NewScript(`
local jobKey    = KEYS[1]
local activeKey = KEYS[2]
local waitKey   = KEYS[3]
local id    = ARGV[1]
local nowMs = ARGV[2]

local status = redis.call("HGET", jobKey, "status")
if status ~= "processing" then
  redis.call("ZREM", activeKey, id)
  return 0
end
local priority = redis.call("HGET", jobKey, "priority")
redis.call("HSET", jobKey, "status", "pending", "lockedBy", "", "lockedAt", "", "expiresAt", "", "updatedAt", nowMs)
redis.call("ZREM", activeKey, id)
redis.call("ZADD", waitKey, (tonumber(priority) * 1e13) + tonumber(nowMs), id)
return 1
`)

// updateStagesScript conditionally updates a job's stages/overallProgress.
// KEYS[1]=job hash
// ARGV: workerID, stagesJSON, overallProgress, nowMs
var updateStagesScript = redis.NewScript(`
local jobKey = KEYS[1]
local workerID = ARGV[1]
local stagesJSON = ARGV[2]
local overallProgress = ARGV[3]
local nowMs = ARGV[4]

local status   = redis.call("HGET", jobKey, "status")
local lockedBy = redis.call("HGET", jobKey, "lockedBy")
if status ~= "processing" or lockedBy ~= workerID then
  return 0
end
redis.call("HSET", jobKey, "stages", stagesJSON, "overallProgress", overallProgress, "updatedAt", nowMs)
return 1
`)
