package fleet

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestEnsureCreatesOnce(t *testing.T) {
	m := NewManager(10, zaptest.NewLogger(t))

	first, created := m.Ensure("inst-1")
	if !created {
		t.Fatal("expected first Ensure to create the record")
	}
	if first.Status != StatusConnecting {
		t.Fatalf("expected connecting, got %s", first.Status)
	}

	m.Upsert("inst-1", MetricsPatch{Status: Ptr(StatusConnected)})
	again, created := m.Ensure("inst-1")
	if created {
		t.Fatal("expected second Ensure to keep the record")
	}
	if again.Status != StatusConnected {
		t.Fatalf("Ensure must not reset existing metrics, got %s", again.Status)
	}
}

func TestEnsureSeedsLastSeen(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(10, nil)
	m.SetClock(func() time.Time { return start })

	cm, _ := m.Ensure("inst-1")
	if !cm.LastSeen.Equal(start) {
		t.Fatalf("expected last seen %v, got %v", start, cm.LastSeen)
	}

	created := m.Upsert("inst-2", MetricsPatch{Status: Ptr(StatusDisconnected)})
	if !created.LastSeen.Equal(start) {
		t.Fatalf("upsert-created record: expected last seen %v, got %v", start, created.LastSeen)
	}
}

func TestMutateIfVeto(t *testing.T) {
	m := NewManager(10, nil)
	m.Ensure("inst-1")
	m.Upsert("inst-1", MetricsPatch{ErrorCount: Ptr(2)})

	got, ok := m.MutateIf("inst-1", func(cm *ConnectionMetrics) bool {
		cm.ErrorCount = 9
		return false
	})
	if ok {
		t.Fatal("expected vetoed mutation to report false")
	}
	if got.ErrorCount != 2 {
		t.Fatalf("vetoed mutation returned %d errors, want 2", got.ErrorCount)
	}
	if cm, _ := m.Get("inst-1"); cm.ErrorCount != 2 {
		t.Fatalf("vetoed mutation leaked into the store: %d", cm.ErrorCount)
	}

	if _, ok := m.MutateIf("inst-1", func(cm *ConnectionMetrics) bool {
		cm.ErrorCount = 3
		return true
	}); !ok {
		t.Fatal("expected accepted mutation to report true")
	}
	if cm, _ := m.Get("inst-1"); cm.ErrorCount != 3 {
		t.Fatalf("expected 3 errors, got %d", cm.ErrorCount)
	}
}

func TestGetUnknownInstance(t *testing.T) {
	m := NewManager(10, nil)
	if _, ok := m.Get("missing"); ok {
		t.Fatal("expected missing instance to report not found")
	}
	if h := m.History("missing"); h != nil {
		t.Fatalf("expected nil history, got %v", h)
	}
}

func TestUpsertMergesFields(t *testing.T) {
	m := NewManager(10, nil)
	m.Ensure("inst-1")

	m.Upsert("inst-1", MetricsPatch{
		Status:         Ptr(StatusConnected),
		ResponseTimeMs: Ptr(int64(120)),
		Score:          Ptr(95),
	})
	got := m.Upsert("inst-1", MetricsPatch{ErrorCount: Ptr(2)})

	if got.Status != StatusConnected {
		t.Fatalf("status lost on merge: %s", got.Status)
	}
	if got.ResponseTimeMs != 120 {
		t.Fatalf("response time lost on merge: %d", got.ResponseTimeMs)
	}
	if got.ErrorCount != 2 {
		t.Fatalf("expected error count 2, got %d", got.ErrorCount)
	}
	if got.ConnectionQuality != QualityExcellent {
		t.Fatalf("expected excellent quality from score 95, got %s", got.ConnectionQuality)
	}
}

func TestUpsertDerivesQualityAndClamps(t *testing.T) {
	m := NewManager(10, nil)
	got := m.Upsert("inst-1", MetricsPatch{Score: Ptr(-15)})
	if got.Score != 0 || got.ConnectionQuality != QualityPoor {
		t.Fatalf("expected 0/poor, got %d/%s", got.Score, got.ConnectionQuality)
	}
}

func TestMutateUnknownInstance(t *testing.T) {
	m := NewManager(10, nil)
	if _, ok := m.Mutate("missing", func(cm *ConnectionMetrics) { cm.ErrorCount++ }); ok {
		t.Fatal("expected Mutate on unknown instance to fail")
	}
	if m.Len() != 0 {
		t.Fatal("Mutate must not create records")
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(100, nil)
	m.Ensure("inst-1")

	for i := 0; i < 150; i++ {
		m.AppendHistory("inst-1", ConnectionMetrics{InstanceID: "inst-1", ErrorCount: i})
	}

	history := m.History("inst-1")
	if len(history) != 100 {
		t.Fatalf("expected 100 snapshots, got %d", len(history))
	}
	if history[0].ErrorCount != 50 {
		t.Fatalf("expected oldest retained snapshot to be #50, got #%d", history[0].ErrorCount)
	}
	if history[99].ErrorCount != 149 {
		t.Fatalf("expected newest snapshot to be #149, got #%d", history[99].ErrorCount)
	}
}

func TestAllSortedAndCount(t *testing.T) {
	m := NewManager(10, nil)
	m.Upsert("b", MetricsPatch{Status: Ptr(StatusConnected)})
	m.Upsert("a", MetricsPatch{Status: Ptr(StatusDisconnected)})
	m.Upsert("c", MetricsPatch{Status: Ptr(StatusConnected)})

	all := m.All()
	if len(all) != 3 || all[0].InstanceID != "a" || all[2].InstanceID != "c" {
		t.Fatalf("unexpected order: %+v", all)
	}

	counts := m.Count()
	if counts[StatusConnected] != 2 || counts[StatusDisconnected] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if !m.Remove("a") {
		t.Fatal("expected Remove to succeed")
	}
	if m.Remove("a") {
		t.Fatal("expected second Remove to report missing")
	}
}

func TestConcurrentUpserts(t *testing.T) {
	m := NewManager(10, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("inst-%d", i)
		m.Ensure(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				m.Mutate(id, func(cm *ConnectionMetrics) { cm.MessagesProcessed++ })
				m.AppendHistory(id, ConnectionMetrics{LastSeen: time.Now()})
				_ = m.All()
			}
		}()
	}
	wg.Wait()

	for _, cm := range m.All() {
		if cm.MessagesProcessed != 200 {
			t.Fatalf("%s: expected 200 messages, got %d", cm.InstanceID, cm.MessagesProcessed)
		}
	}
}
