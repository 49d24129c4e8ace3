package bsonkit

import (
	"crypto/rand"
	"sync/atomic"
	"time"
)

var (
	processRandom [5]byte
	oidCounter    atomic.Uint32
)

func init() {
	_, _ = rand.Read(processRandom[:])
	var seed [3]byte
	_, _ = rand.Read(seed[:])
	oidCounter.Store(uint32(seed[0])<<16 | uint32(seed[1])<<8 | uint32(seed[2]))
}

// NewObjectID generates a fresh ObjectID: 4-byte seconds-since-epoch
// timestamp, this process's 5-byte random identifier, and a 3-byte counter
// that wraps at 2^24 — the shape documented on the ObjectID type itself.
func NewObjectID() ObjectID {
	var oid ObjectID
	ts := uint32(time.Now().Unix())
	oid[0], oid[1], oid[2], oid[3] = byte(ts>>24), byte(ts>>16), byte(ts>>8), byte(ts)
	copy(oid[4:9], processRandom[:])
	c := oidCounter.Add(1) & 0x00FFFFFF
	oid[9], oid[10], oid[11] = byte(c>>16), byte(c>>8), byte(c)
	return oid
}
