package shadow

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"strconv"
)

// shouldSample decides whether one request is mirrored upstream, per
// spec.md §4.H point 1: either a flat Bernoulli draw against SampleRate, or
// — when Deterministic is set — a stable hash of (session id, request id,
// database) compared against the same rate, so the same request always
// samples the same way across retries and replays.
func shouldSample(cfg Config, sessionID string, requestID int32, db string) bool {
	switch {
	case cfg.SampleRate <= 0:
		return false
	case cfg.SampleRate >= 1:
		return true
	case cfg.Deterministic:
		return deterministicDraw(sessionID, requestID, db) < cfg.SampleRate
	default:
		return rand.Float64() < cfg.SampleRate
	}
}

// deterministicDraw maps (sessionID, requestID, db) onto [0, 1) by hashing
// their concatenation and reading the top 8 bytes as a fraction of the
// uint64 range.
func deterministicDraw(sessionID string, requestID int32, db string) float64 {
	h := sha256.Sum256([]byte(sessionID + "|" + strconv.FormatInt(int64(requestID), 10) + "|" + db))
	n := binary.BigEndian.Uint64(h[:8])
	return float64(n) / float64(^uint64(0))
}
