package redis

const (
	// upsertSessionScript writes a session and maintains the open-session
	// index. A session that already has an end_time is never rewritten, so
	// replayed writes cannot reopen it.
	upsertSessionScript = `
local session_key = KEYS[1]     -- kwatch:session:{sessionID}
local open_set = KEYS[2]        -- kwatch:sessions:open:{userID}:{groupID}

local session_id = ARGV[1]
local user_id = ARGV[2]
local group_id = ARGV[3]
local device_id = ARGV[4]
local start_time = ARGV[5]
local end_time = ARGV[6]
local duration_seconds = ARGV[7]

local existing_end = redis.call('HGET', session_key, 'end_time')
if existing_end and existing_end ~= '' then
  redis.call('SREM', open_set, session_id)
  return 'CLOSED'
end

redis.call('HSET', session_key,
  'id', session_id,
  'user_id', user_id,
  'group_id', group_id,
  'device_id', device_id,
  'start_time', start_time,
  'end_time', end_time,
  'duration_seconds', duration_seconds
)

if end_time == '' then
  redis.call('SADD', open_set, session_id)
else
  redis.call('SREM', open_set, session_id)
  -- Closed sessions expire after 90 days (7776000 seconds)
  redis.call('EXPIRE', session_key, 7776000)
end

return 'OK'
`
)
