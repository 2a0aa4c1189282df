package core

import "testing"

func TestTimeID128IsTimeOrderedAndVersioned(t *testing.T) {
	a, err := newTimeID128()
	if err != nil {
		t.Fatalf("newTimeID128: %v", err)
	}
	b, err := newTimeID128()
	if err != nil {
		t.Fatalf("newTimeID128: %v", err)
	}
	if a == b {
		t.Fatalf("two consecutively minted ids must not collide")
	}
	if a.timestampMillis() > b.timestampMillis() {
		t.Fatalf("expected non-decreasing timestamps: %d > %d", a.timestampMillis(), b.timestampMillis())
	}
	if (a[6] >> 4) != idVersion {
		t.Fatalf("expected version nibble %d, got %d", idVersion, a[6]>>4)
	}
	if a.isZero() {
		t.Fatalf("a freshly minted id must not be the zero id")
	}
	if !zeroID128.isZero() {
		t.Fatalf("the zero id constant must classify as zero")
	}
}

func TestSnowflake64MonotonicAndUnique(t *testing.T) {
	s := newSnowflake64(7)
	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 10000; i++ {
		id := s.next()
		if seen[id] {
			t.Fatalf("duplicate snowflake id at iteration %d: %d", i, id)
		}
		seen[id] = true
		if id < prev {
			t.Fatalf("expected non-decreasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestSnowflake64EncodesInstanceID(t *testing.T) {
	s := newSnowflake64(0x3ff) // max 10-bit value
	id := s.next()
	gotInstance := uint16((id >> 12) & 0x3ff)
	if gotInstance != 0x3ff {
		t.Fatalf("expected instance bits 0x3ff, got %#x", gotInstance)
	}
}

func TestNodeInstanceIDIsWithin10Bits(t *testing.T) {
	for _, seed := range []string{"", "0.0.0.0:4001", "[::1]:9000", "a-very-long-listen-address-string:12345"} {
		if id := nodeInstanceID(seed); id > 0x3ff {
			t.Fatalf("nodeInstanceID(%q) = %d exceeds 10 bits", seed, id)
		}
	}
}
