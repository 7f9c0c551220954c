package buffer

import (
	"sync"
	"testing"
)

func TestCircularBuffer_PushAndItems(t *testing.T) {
	cb := NewCircularBuffer[int](3)
	cb.Push(1)
	cb.Push(2)

	got := cb.Items()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Expected [1 2], got %v", got)
	}
}

func TestCircularBuffer_EvictsOldest(t *testing.T) {
	cb := NewCircularBuffer[int](3)
	for i := 1; i <= 5; i++ {
		cb.Push(i)
	}

	got := cb.Items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}
	if cb.Evicted() != 2 {
		t.Errorf("Expected 2 evictions, got %d", cb.Evicted())
	}
}

func TestCircularBuffer_Last(t *testing.T) {
	cb := NewCircularBuffer[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		cb.Push(s)
	}

	got := cb.Last(2)
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Errorf("Expected [d e], got %v", got)
	}
	if all := cb.Last(10); len(all) != 4 {
		t.Errorf("Expected 4 items, got %d", len(all))
	}
}

func TestCircularBuffer_Reset(t *testing.T) {
	cb := NewCircularBuffer[int](2)
	cb.Push(1)
	cb.Push(2)
	cb.Reset()

	if cb.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d items", cb.Len())
	}
	if items := cb.Items(); len(items) != 0 {
		t.Errorf("Expected no items, got %v", items)
	}
	cb.Push(7)
	if items := cb.Items(); len(items) != 1 || items[0] != 7 {
		t.Errorf("Expected [7], got %v", items)
	}
}

func TestCircularBuffer_DefaultSize(t *testing.T) {
	cb := NewCircularBuffer[int](0)
	if cb.Capacity() != 1000 {
		t.Errorf("Expected default capacity 1000, got %d", cb.Capacity())
	}
}

func TestCircularBuffer_ConcurrentAccess(t *testing.T) {
	cb := NewCircularBuffer[int](16)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				cb.Push(i)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = cb.Items()
			}
		}()
	}
	wg.Wait()

	if cb.Len() != 16 {
		t.Errorf("Expected full buffer, got %d", cb.Len())
	}
}
