package memory

import "testing"

func TestIntervalSetBasic(t *testing.T) {
	var s intervalSet
	s.Set(10, 20)
	for addr := uint64(10); addr < 20; addr++ {
		if !s.Get(addr) {
			t.Errorf("Get(%d) = false, want true after Set(10,20)", addr)
		}
	}
	if s.Get(9) || s.Get(20) {
		t.Errorf("range boundaries leaked: Get(9)=%v Get(20)=%v", s.Get(9), s.Get(20))
	}
}

func TestIntervalSetReset(t *testing.T) {
	var s intervalSet
	s.Set(0, 100)
	s.Reset(40, 60)
	if s.Get(40) || s.Get(59) {
		t.Errorf("Reset(40,60) left bits set inside the cleared range")
	}
	if !s.Get(39) || !s.Get(60) {
		t.Errorf("Reset(40,60) cleared bits outside the cleared range")
	}
}

func TestIntervalSetMergesAdjacent(t *testing.T) {
	var s intervalSet
	s.Set(0, 10)
	s.Set(10, 20)
	if len(s.ranges) != 1 {
		t.Errorf("adjacent Set calls should merge into one interval, got %d", len(s.ranges))
	}
}

func TestIntervalSetOverlappingSet(t *testing.T) {
	var s intervalSet
	s.Set(0, 10)
	s.Set(5, 15)
	if !s.AllSet(0, 15) {
		t.Errorf("AllSet(0,15) = false after overlapping Set calls")
	}
}

func TestAllSetPartialRangeFails(t *testing.T) {
	var s intervalSet
	s.Set(0, 10)
	s.Set(20, 30)
	if s.AllSet(0, 20) {
		t.Errorf("AllSet across a gap must be false")
	}
	if !s.AllSet(0, 10) {
		t.Errorf("AllSet(0,10) should be true")
	}
}

func TestSplitByReset(t *testing.T) {
	var s intervalSet
	s.Set(0, 100)
	s.Reset(40, 60)
	if len(s.ranges) != 2 {
		t.Errorf("Reset in the middle should split into 2 ranges, got %d", len(s.ranges))
	}
}
