package ingress

import (
	"fmt"
	"testing"
)

func TestSeenSet(t *testing.T) {
	set := NewSeenSet(3)

	if set.Seen("a") {
		t.Errorf("fresh hash reported seen")
	}
	if !set.Seen("a") {
		t.Errorf("repeated hash not reported seen")
	}

	set.Seen("b")
	set.Seen("c")
	// "a" was refreshed by the repeat above, so "d" evicts "b".
	set.Seen("d")

	if set.Seen("b") {
		t.Errorf("evicted hash still reported seen")
	}
	if !set.Seen("a") {
		t.Errorf("recently-used hash evicted")
	}
	if set.Len() != 3 {
		t.Errorf("len = %d, want 3", set.Len())
	}
}

func TestSeenSetEvictionOrder(t *testing.T) {
	set := NewSeenSet(100)
	for i := 0; i < 150; i++ {
		set.Seen(fmt.Sprintf("hash-%d", i))
	}
	if set.Len() != 100 {
		t.Fatalf("len = %d, want 100", set.Len())
	}
	// The first 50 fell out of the window; duplicates arriving after that
	// many distinct events count as new.
	if set.Seen("hash-10") {
		t.Errorf("hash outside window reported seen")
	}
	if !set.Seen("hash-149") {
		t.Errorf("hash inside window not reported seen")
	}
}

func TestSeenSetDefaultCapacity(t *testing.T) {
	set := NewSeenSet(0)
	if set.capacity != DefaultDedupeWindow {
		t.Errorf("capacity = %d, want %d", set.capacity, DefaultDedupeWindow)
	}
}
