package util

import "testing"

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)

	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("empty buffer snapshot = %v", got)
	}

	r.Push(1)
	r.Push(2)
	if got := r.Snapshot(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot = %v, want [1 2]", got)
	}

	r.Push(3)
	r.Push(4)
	r.Push(5)
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
}
