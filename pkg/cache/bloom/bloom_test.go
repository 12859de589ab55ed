package bloom

import (
	"context"
	"errors"
	"testing"
)

func TestReplayFilter_UnseenSkipsLookup(t *testing.T) {
	lookups := 0
	rf := NewReplayFilter(func(ctx context.Context, key string) (bool, error) {
		lookups++
		return true, nil
	}, 1000, 0.001)

	seen, err := rf.Seen(context.Background(), "never-added")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Error("Expected unseen key")
	}
	if lookups != 0 {
		t.Errorf("Expected no authoritative lookup, got %d", lookups)
	}

	stats := rf.Stats()
	if stats.BloomRejected != 1 || stats.TotalQueries != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestReplayFilter_AddedKeyConfirmed(t *testing.T) {
	recorded := map[string]bool{"abc": true}
	rf := NewReplayFilter(func(ctx context.Context, key string) (bool, error) {
		return recorded[key], nil
	}, 1000, 0.001)

	rf.Add("abc")

	seen, err := rf.Seen(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if !seen {
		t.Error("Expected recorded key to be seen")
	}
}

func TestReplayFilter_FalsePositiveCounted(t *testing.T) {
	rf := NewReplayFilter(func(ctx context.Context, key string) (bool, error) {
		return false, nil
	}, 1000, 0.001)

	// added to the filter but never persisted
	rf.Add("orphan")

	seen, _ := rf.Seen(context.Background(), "orphan")
	if seen {
		t.Error("Expected lookup to override filter")
	}
	if rf.Stats().FalsePositives != 1 {
		t.Errorf("Expected 1 false positive, got %d", rf.Stats().FalsePositives)
	}
}

func TestReplayFilter_LookupError(t *testing.T) {
	boom := errors.New("db down")
	rf := NewReplayFilter(func(ctx context.Context, key string) (bool, error) {
		return false, boom
	}, 0, 0)

	rf.Add("k")
	if _, err := rf.Seen(context.Background(), "k"); !errors.Is(err, boom) {
		t.Errorf("Expected lookup error, got %v", err)
	}
}

func TestReplayFilter_Reset(t *testing.T) {
	rf := NewReplayFilter(nil, 1000, 0.01)
	rf.Add("k")

	if seen, _ := rf.Seen(context.Background(), "k"); !seen {
		t.Fatal("Expected key before reset")
	}

	rf.Reset()
	if seen, _ := rf.Seen(context.Background(), "k"); seen {
		t.Error("Expected key cleared after reset")
	}
}
