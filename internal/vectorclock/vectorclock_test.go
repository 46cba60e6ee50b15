package vectorclock

import "testing"

func TestBasicCompare(t *testing.T) {
	c1 := New().Increment(0)
	c2 := New().Increment(0).Increment(0)

	if got := c1.Compare(c2); got != Less {
		t.Errorf("c1.Compare(c2) = %v, want Less", got)
	}
	if got := c2.Compare(c1); got != Greater {
		t.Errorf("c2.Compare(c1) = %v, want Greater", got)
	}
}

func TestBasicConflict(t *testing.T) {
	c1 := New().Increment(0)
	c2 := c1

	if got := c1.Compare(c2); got != Equal {
		t.Errorf("c1.Compare(c2) = %v, want Equal", got)
	}
	if got := c2.Compare(c1); got != Equal {
		t.Errorf("c2.Compare(c1) = %v, want Equal", got)
	}

	c1 = c1.Increment(1)
	c2 = c2.Increment(2)

	if got := c1.Compare(c2); got != Conflict {
		t.Errorf("c1.Compare(c2) = %v, want Conflict", got)
	}
	if got := c2.Compare(c1); got != Conflict {
		t.Errorf("c2.Compare(c1) = %v, want Conflict", got)
	}
}

func TestMerge(t *testing.T) {
	c1 := New().Increment(1).Increment(2)
	c2 := New().Increment(2).Increment(2)
	want := New().Increment(1).Increment(2).Increment(2)

	if got := c1.Merge(c2); !got.Equal(want) {
		t.Errorf("c1.Merge(c2) = %+v, want %+v", got, want)
	}
	if got := c2.Merge(c1); !got.Equal(want) {
		t.Errorf("c2.Merge(c1) = %+v, want %+v", got, want)
	}
}

func TestSerializationRoundTrips(t *testing.T) {
	c := New().Increment(10).Increment(0)

	encoded, err := c.GobEncode()
	if err != nil {
		t.Fatalf("GobEncode: %v", err)
	}

	var c2 Clock
	if err := c2.GobDecode(encoded); err != nil {
		t.Fatalf("GobDecode: %v", err)
	}
	if !c.Equal(c2) {
		t.Fatalf("roundtrip changed clock: %+v != %+v", c, c2)
	}

	encoded2, err := c2.GobEncode()
	if err != nil {
		t.Fatalf("GobEncode (2nd): %v", err)
	}
	if !bytesEqual(encoded, encoded2) {
		t.Fatalf("re-encoding is not byte-stable")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEmptyClockIsEqual(t *testing.T) {
	var a, b Clock
	if a.Compare(b) != Equal {
		t.Errorf("two empty clocks should compare Equal")
	}
}

func TestCounterUnknownPeerIsZero(t *testing.T) {
	c := New().Increment(5)
	if c.Counter(99) != 0 {
		t.Errorf("Counter for unseen peer should be 0")
	}
}
