package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestPartitionedSerialPerKey(t *testing.T) {
	p := newPartitioned()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		p.Submit("a", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	p.Wait()

	if len(order) != 50 {
		t.Fatalf("ran %d tasks", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	if p.Active() != 0 {
		t.Errorf("Active = %d after drain", p.Active())
	}
}

func TestPartitionedConcurrentAcrossKeys(t *testing.T) {
	p := newPartitioned()
	release := make(chan struct{})
	started := make(chan string, 2)

	p.Submit("slow", func() {
		started <- "slow"
		<-release
	})
	p.Submit("fast", func() { started <- "fast" })

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-started:
			got[k] = true
		case <-time.After(time.Second):
			t.Fatal("a blocked partner held up another partner")
		}
	}
	close(release)
	p.Wait()
}

func TestPartitionedSurvivesPanic(t *testing.T) {
	p := newPartitioned()
	ran := false
	p.Submit("a", func() { panic("boom") })
	p.Submit("a", func() { ran = true })
	p.Wait()
	if !ran {
		t.Error("task after a panic did not run")
	}
}
