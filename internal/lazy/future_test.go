package lazy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFutureInitialisesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := New(func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results[i] = v
		}(i)
	}

	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("init called %d times, want 1", calls.Load())
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("results[%d] = %d, want 42", i, v)
		}
	}
	select {
	case <-f.Done():
	default:
		t.Error("Done not closed after Get returned")
	}
}

func TestFutureCachesError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	f := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", boom
	})

	for i := 0; i < 3; i++ {
		if _, err := f.Get(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("Get error = %v, want boom", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("init called %d times, want 1", calls.Load())
	}
}

func TestFutureGetHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := New(func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get error = %v, want deadline exceeded", err)
	}
}

func TestFutureInitSurvivesFirstCallerCancel(t *testing.T) {
	release := make(chan struct{})
	f := New(func(ctx context.Context) (int, error) {
		<-release
		return 7, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Get(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get error = %v, want canceled", err)
	}

	close(release)
	v, err := f.Get(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("Get = %d, %v; want 7, nil", v, err)
	}
}
