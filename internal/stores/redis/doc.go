// Package redisice is the Redis ice.Store backend.
//
// Layout, with every key sharing the configured hash-tagged prefix so the
// Lua scripts stay within one cluster slot:
//
//	{ice}:jobs          hash   job id -> JSON job
//	{ice}:delay         zset   job id scored by due ms
//	{ice}:delay_meta    hash   job id -> "gen|seq|topic"
//	{ice}:delay_seq     string insertion counter used to order ties
//	{ice}:ready:<topic> list   "gen|due|job id", head is the oldest
//
// Commits run in MULTI/EXEC; extraction from the Delay Bucket and promotion
// into Ready Queues run as Lua scripts.
package redisice
