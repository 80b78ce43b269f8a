package bpf

import "testing"

func TestAdmit_FirstPacketGraceIsFullBucket(t *testing.T) {
	st := NewBucketState(1048576, 1000)
	if st.Tokens != 1048576 {
		t.Errorf("Tokens = %d, want bucket_size 1048576", st.Tokens)
	}
}

func TestAdmit_MonotonicityNeverExceedsBucket(t *testing.T) {
	st := NewBucketState(1000, 0)
	now := uint64(0)
	for i := 0; i < 1000; i++ {
		now += 1_000_000_000 // advance one second per iteration
		var allowed bool
		st, allowed = Admit(st, 100, 1000, 0, now)
		_ = allowed
		if st.Tokens > 1000 {
			t.Fatalf("iteration %d: Tokens = %d exceeds bucket_size 1000", i, st.Tokens)
		}
	}
}

func TestAdmit_DropsWhenInsufficientTokens(t *testing.T) {
	st := NewBucketState(100, 0)
	st, allowed := Admit(st, 0, 100, 150, 0)
	if allowed {
		t.Error("Admit() allowed a packet larger than the bucket with zero refill")
	}
	if st.Tokens != 100 {
		t.Errorf("Tokens = %d, want unchanged 100 on drop", st.Tokens)
	}
}

func TestAdmit_AllowsAndDeducts(t *testing.T) {
	st := NewBucketState(100, 0)
	st, allowed := Admit(st, 0, 100, 40, 0)
	if !allowed {
		t.Fatal("Admit() dropped a packet that fits in the bucket")
	}
	if st.Tokens != 60 {
		t.Errorf("Tokens = %d, want 60 after deducting 40 from 100", st.Tokens)
	}
}

func TestAdmit_RefillRespectsRate(t *testing.T) {
	// rate = 1000 bytes/sec, half a second elapses -> 500 tokens added.
	st := BucketState{Tokens: 0, LastUpdateNs: 0}
	st, allowed := Admit(st, 1000, 2000, 400, 500_000_000)
	if !allowed {
		t.Fatal("Admit() dropped a packet that fits after refill")
	}
	if st.Tokens != 100 {
		t.Errorf("Tokens = %d, want 100 (500 refilled - 400 consumed)", st.Tokens)
	}
}

func TestAdmit_RefillCapsAtBucketSize(t *testing.T) {
	st := BucketState{Tokens: 900, LastUpdateNs: 0}
	st, _ = Admit(st, 1000, 1000, 0, 1_000_000_000) // a full second of refill
	if st.Tokens != 1000 {
		t.Errorf("Tokens = %d, want capped at bucket_size 1000", st.Tokens)
	}
}

func TestAdmit_PacketLargerThanBucketAlwaysDropped(t *testing.T) {
	st := NewBucketState(1000, 0)
	// Even with a full bucket, a packet bigger than the bucket can never
	// be admitted.
	_, allowed := Admit(st, 1000, 1000, 1001, 0)
	if allowed {
		t.Error("Admit() allowed a packet larger than bucket_size")
	}
}
