package redis

const (
	// putLeaseScript atomically upserts a lease and maintains its indexes.
	// ARGV[14..] lists the stored states the upsert may overwrite.
	// Returns OK, CONFLICT, IMMUTABLE or INVALID:<stored state>.
	putLeaseScript = `
local lease_key = KEYS[1]      -- nexushield:lease:{id}
local live_key = KEYS[2]       -- nexushield:lease:live:{owner}
local owner_index = KEYS[3]    -- nexushield:leases:owner:{owner}
local expiry_index = KEYS[4]   -- nexushield:leases:expiry
local owners_set = KEYS[5]     -- nexushield:owners

local id = ARGV[1]
local owner = ARGV[2]
local region = ARGV[3]
local peer = ARGV[4]
local state = ARGV[5]
local created_at = ARGV[6]
local expires_at = ARGV[7]
local updated_at = ARGV[8]
local ended_at = ARGV[9]
local live = ARGV[10]
local terminal = ARGV[11]
local created_ms = tonumber(ARGV[12])
local expires_ms = tonumber(ARGV[13])

local stored_state = redis.call('HGET', lease_key, 'state')
if stored_state then
  local allowed = false
  for i = 14, #ARGV do
    if ARGV[i] == stored_state then
      allowed = true
    end
  end
  if not allowed then
    return 'INVALID:' .. stored_state
  end
end

-- expires_at is fixed once the stored lease has left pending
if stored_state and stored_state ~= 'pending' then
  local stored_expiry = redis.call('HGET', lease_key, 'expires_at')
  if stored_expiry ~= expires_at then
    return 'IMMUTABLE'
  end
end

-- Only one live lease per owner
if live == '1' then
  local current = redis.call('GET', live_key)
  if current and current ~= id then
    return 'CONFLICT'
  end
end

redis.call('HSET', lease_key,
  'id', id,
  'owner', owner,
  'region', region,
  'peer_material', peer,
  'state', state,
  'created_at', created_at,
  'expires_at', expires_at,
  'updated_at', updated_at
)
if ended_at ~= '' then
  redis.call('HSET', lease_key, 'ended_at', ended_at)
else
  redis.call('HDEL', lease_key, 'ended_at')
end

redis.call('ZADD', owner_index, created_ms, id)
redis.call('SADD', owners_set, owner)

if live == '1' then
  redis.call('SET', live_key, id)
elseif redis.call('GET', live_key) == id then
  redis.call('DEL', live_key)
end

if terminal == '1' then
  redis.call('ZREM', expiry_index, id)
else
  redis.call('ZADD', expiry_index, expires_ms, id)
end

return 'OK'
`

	// markLeaseScript atomically moves a lease to a new state if the stored
	// state is one of the allowed predecessors.
	// Returns OK, NOT_FOUND, CONFLICT or INVALID:<stored state>.
	markLeaseScript = `
local lease_key = KEYS[1]      -- nexushield:lease:{id}
local live_key = KEYS[2]       -- nexushield:lease:live:{owner}
local expiry_index = KEYS[3]   -- nexushield:leases:expiry

local id = ARGV[1]
local new_state = ARGV[2]
local updated_at = ARGV[3]
local ended_at = ARGV[4]
local live = ARGV[5]
local terminal = ARGV[6]

local current = redis.call('HGET', lease_key, 'state')
if not current then
  return 'NOT_FOUND'
end

local allowed = false
for i = 7, #ARGV do
  if ARGV[i] == current then
    allowed = true
  end
end
if not allowed then
  return 'INVALID:' .. current
end

if live == '1' then
  local holder = redis.call('GET', live_key)
  if holder and holder ~= id then
    return 'CONFLICT'
  end
end

redis.call('HSET', lease_key, 'state', new_state, 'updated_at', updated_at)
if ended_at ~= '' then
  redis.call('HSET', lease_key, 'ended_at', ended_at)
end

if live == '1' then
  redis.call('SET', live_key, id)
end

if terminal == '1' then
  redis.call('ZREM', expiry_index, id)
  if redis.call('GET', live_key) == id then
    redis.call('DEL', live_key)
  end
end

return 'OK'
`

	// updateScheduleScript sets fields on a schedule hash only if it still
	// exists, so a concurrent Delete cannot leave a partial hash behind.
	// ARGV holds field/value pairs. Returns OK or NOT_FOUND.
	updateScheduleScript = `
local schedule_key = KEYS[1]   -- nexushield:schedule:{id}

if redis.call('EXISTS', schedule_key) == 0 then
  return 'NOT_FOUND'
end

redis.call('HSET', schedule_key, unpack(ARGV))
return 'OK'
`

	// appendCappedScript pushes a JSON entry onto a capped list.
	appendCappedScript = `
local list_key = KEYS[1]   -- nexushield:samples:{leaseID} or nexushield:events:{owner}

local entry = ARGV[1]
local max_len = tonumber(ARGV[2])
local ttl_seconds = tonumber(ARGV[3])

redis.call('LPUSH', list_key, entry)
redis.call('LTRIM', list_key, 0, max_len - 1)

-- Refresh TTL on every append
if ttl_seconds > 0 then
  redis.call('EXPIRE', list_key, ttl_seconds)
end

return 'OK'
`
)
