package capacity

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestStaticDefaults(t *testing.T) {
	s := NewStatic(Hint{})
	h := s.Hint(context.Background())
	if h.MaxConcurrency != runtime.NumCPU() {
		t.Errorf("max concurrency %d, want NumCPU %d", h.MaxConcurrency, runtime.NumCPU())
	}
	if h.MaxAgentLoad != 5 {
		t.Errorf("max agent load %d, want 5", h.MaxAgentLoad)
	}
}

func TestStaticExplicit(t *testing.T) {
	s := NewStatic(Hint{MaxConcurrency: 3, MaxAgentLoad: 7})
	h := s.Hint(context.Background())
	if h.MaxConcurrency != 3 || h.MaxAgentLoad != 7 {
		t.Errorf("got %+v", h)
	}
}

func TestRedisFallbackWhenUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
	defer rdb.Close()

	src := NewRedis(rdb, Hint{MaxConcurrency: 4, MaxAgentLoad: 6}, zap.NewNop())
	h := src.Hint(context.Background())
	if h.MaxConcurrency != 4 || h.MaxAgentLoad != 6 {
		t.Errorf("got %+v, want fallback hint", h)
	}
}
