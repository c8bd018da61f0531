package history

import (
	"fmt"
	"sync"
	"testing"
)

func TestLog_AppendBelowCap(t *testing.T) {
	log := NewLog(10)

	for i := 0; i < 5; i++ {
		if evicted := log.Append(Entry{Message: fmt.Sprintf("m%d", i)}); evicted != 0 {
			t.Errorf("Expected no eviction below cap, got %d", evicted)
		}
	}

	if log.Len() != 5 {
		t.Errorf("Expected len=5, got %d", log.Len())
	}
}

func TestLog_ExactCapOnOverflow(t *testing.T) {
	const max = 100
	log := NewLog(max)

	for i := 0; i < 3*max+7; i++ {
		log.Append(Entry{Message: fmt.Sprintf("m%d", i)})
		if log.Len() > max {
			t.Fatalf("Log exceeded cap after append %d: len=%d", i, log.Len())
		}
		if i >= max && log.Len() != max {
			t.Fatalf("Expected len=%d after overflow at append %d, got %d", max, i, log.Len())
		}
	}

	if log.Evicted() != uint64(2*max+7) {
		t.Errorf("Expected %d evicted entries, got %d", 2*max+7, log.Evicted())
	}
}

func TestLog_SnapshotOrder(t *testing.T) {
	log := NewLog(3)
	for i := 0; i < 5; i++ {
		log.Append(Entry{Message: fmt.Sprintf("m%d", i)})
	}

	snap := log.Snapshot()
	want := []string{"m2", "m3", "m4"}
	if len(snap) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(snap))
	}
	for i, e := range snap {
		if e.Message != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], e.Message)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("Entry %d: expected timestamp to be set", i)
		}
	}

	last := log.Last(2)
	if len(last) != 2 || last[0].Message != "m3" || last[1].Message != "m4" {
		t.Errorf("Unexpected Last(2): %+v", last)
	}
}

func TestLog_DefaultCap(t *testing.T) {
	if NewLog(0).Cap() != DefaultMaxEntries {
		t.Errorf("Expected default cap %d", DefaultMaxEntries)
	}
}

func TestLog_ConcurrentAppend(t *testing.T) {
	const max = 50
	log := NewLog(max)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				log.Append(Entry{Message: fmt.Sprintf("g%d-%d", g, i)})
				if n := log.Len(); n > max {
					t.Errorf("Log exceeded cap: len=%d", n)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if log.Len() != max {
		t.Errorf("Expected len=%d, got %d", max, log.Len())
	}
}
