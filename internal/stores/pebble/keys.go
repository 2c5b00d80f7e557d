package pebbleice

import (
	"encoding/binary"

	"github.com/rzbill/ice/pkg/id"
)

// Key prefixes of the embedded store.
const (
	prefixJob         = "ice/job/"          // Job Pool records
	prefixDelayIdx    = "ice/delay_idx/"    // Delay Bucket ordered by due time
	prefixDelayMember = "ice/delay_member/" // job id -> current delay_idx key
	prefixReady       = "ice/ready/"        // per-topic Ready Queues
)

// JobKey returns the Job Pool key.
// Format: ice/job/{id}
func JobKey(jobID string) []byte {
	return []byte(prefixJob + jobID)
}

// DelayKey returns the Delay Bucket index key. Keys sort by due time and
// then by the generator id, which preserves insertion order on ties.
// Format: ice/delay_idx/{due_ms:8 BE}{id:16}
func DelayKey(dueMs int64, seq id.ID) []byte {
	if dueMs < 0 {
		dueMs = 0
	}
	key := make([]byte, len(prefixDelayIdx)+8+16)
	n := copy(key, prefixDelayIdx)
	binary.BigEndian.PutUint64(key[n:], uint64(dueMs))
	copy(key[n+8:], seq[:])
	return key
}

// parseDelayKey extracts the due time from a delay index key.
func parseDelayKey(key []byte) (dueMs int64, ok bool) {
	if len(key) != len(prefixDelayIdx)+8+16 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(prefixDelayIdx):])), true
}

// DelayMemberKey returns the reverse index key used to reposition an entry.
// Format: ice/delay_member/{id}
func DelayMemberKey(jobID string) []byte {
	return []byte(prefixDelayMember + jobID)
}

// ReadyPrefix returns the key prefix of one topic's Ready Queue. Topics are
// terminated by NUL so that "sms" never covers "sms2".
// Format: ice/ready/{topic}\x00
func ReadyPrefix(topic string) []byte {
	p := make([]byte, 0, len(prefixReady)+len(topic)+1)
	p = append(p, prefixReady...)
	p = append(p, topic...)
	return append(p, 0)
}

// ReadyKey returns a Ready Queue entry key.
// Format: ice/ready/{topic}\x00{id:16}
func ReadyKey(topic string, seq id.ID) []byte {
	return append(ReadyPrefix(topic), seq[:]...)
}
