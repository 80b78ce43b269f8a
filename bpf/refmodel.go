// Package bpf holds the in-kernel filter source (limiter.bpf.c) plus a
// pure-Go mirror of its token-bucket arithmetic. The mirror exists only
// so the filter's math can be exercised by ordinary Go tests — the real
// enforcement always runs in-kernel; this package never intercepts a
// live packet.
package bpf

// BucketState mirrors struct rate_limit_state's tokens/last_update_ns
// pair, without the in-kernel spin lock (callers serialize themselves).
type BucketState struct {
	Tokens       uint64
	LastUpdateNs uint64
}

// NewBucketState returns the first-packet grace state: a full bucket
// stamped at now.
func NewBucketState(bucketSize, now uint64) BucketState {
	return BucketState{Tokens: bucketSize, LastUpdateNs: now}
}

// Admit runs one packet of length packetLen through the token bucket at
// time now, mirroring limit_egress's refill-then-deduct sequence
// exactly. It returns the updated state and whether the packet is
// allowed.
func Admit(st BucketState, rateBPS, bucketSize, packetLen, now uint64) (BucketState, bool) {
	deltaNs := now - st.LastUpdateNs
	tokensToAdd := (deltaNs * rateBPS) / 1_000_000_000

	st.Tokens += tokensToAdd
	if st.Tokens > bucketSize {
		st.Tokens = bucketSize
	}
	st.LastUpdateNs = now

	if st.Tokens >= packetLen {
		st.Tokens -= packetLen
		return st, true
	}
	return st, false
}
