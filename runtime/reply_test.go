package runtime

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pithecene-io/stepwise/types"
)

func TestReply_ExactlyOnce(t *testing.T) {
	for range 200 {
		r := NewReply()
		var builds atomic.Int32
		var winners atomic.Int32

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, path := range []string{PathMain, PathFallback} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if r.Resolve(path, func() (*types.Observation, error) {
					builds.Add(1)
					return &types.Observation{Step: 1}, nil
				}) {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if builds.Load() != 1 {
			t.Fatalf("builds = %d, want 1", builds.Load())
		}
		if winners.Load() != 1 {
			t.Fatalf("winners = %d, want 1", winners.Load())
		}
		<-r.Done()
		obs, err := r.Result()
		if err != nil || obs == nil {
			t.Fatalf("Result() = %v, %v", obs, err)
		}
		if r.Path() != PathMain && r.Path() != PathFallback {
			t.Fatalf("Path() = %q", r.Path())
		}
	}
}

func TestReply_LateResolveIgnored(t *testing.T) {
	r := NewReply()
	if !r.Resolve(PathMain, func() (*types.Observation, error) { return &types.Observation{Step: 1}, nil }) {
		t.Fatal("first Resolve() = false, want true")
	}
	if r.Resolve(PathFallback, func() (*types.Observation, error) {
		t.Error("late build called")
		return nil, nil
	}) {
		t.Error("second Resolve() = true, want false")
	}
	if r.Path() != PathMain {
		t.Errorf("Path() = %q, want %q", r.Path(), PathMain)
	}
	if !r.Resolved() {
		t.Error("Resolved() = false")
	}
}
