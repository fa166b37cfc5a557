package cache

// Lua scripts shared by the Redis and Valkey backends. Both servers run them
// atomically, which gives compare-and-delete and capped slot leases across
// every process using the same keyspace.

// unlockScript deletes KEYS[1] only when its value equals ARGV[1].
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// acquireSlotScript leases one of ARGV[2] slots in the sorted set KEYS[1] to
// holder ARGV[1]. Members are scored by their expiry in milliseconds: ARGV[3]
// is the caller's clock, ARGV[4] the lease TTL and ARGV[5] the new lease's
// expiry. Expired members are dropped first, so a crashed holder only counts
// until its own lease ends. A holder that already has a lease renews it.
// Returns {acquired, leases}.
const acquireSlotScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	local count = redis.call("ZCARD", KEYS[1])
	if count >= tonumber(ARGV[2]) then
		return {0, count}
	end
end
redis.call("ZADD", KEYS[1], ARGV[5], ARGV[1])
if redis.call("PTTL", KEYS[1]) < tonumber(ARGV[4]) then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return {1, redis.call("ZCARD", KEYS[1])}`

// releaseSlotScript drops holder ARGV[1] from KEYS[1] and deletes the set
// once it is empty. Returns the remaining lease count.
const releaseSlotScript = `
redis.call("ZREM", KEYS[1], ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count == 0 then
	redis.call("DEL", KEYS[1])
end
return count`
