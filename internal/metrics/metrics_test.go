package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・指定ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordPass はパス数と所要時間が記録されることを検証する。
func TestRecordPass(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPass(200 * time.Millisecond)
	c.RecordPass(300 * time.Millisecond)

	m := findMetric(t, reg, "friendtracker_poll_passes_total", nil)
	if m == nil {
		t.Fatal("friendtracker_poll_passes_total metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("passes_total = %v, want 2", v)
	}

	h := findMetric(t, reg, "friendtracker_poll_pass_duration_seconds", nil)
	if h == nil {
		t.Fatal("friendtracker_poll_pass_duration_seconds metric not found")
	}
	if cnt := h.GetHistogram().GetSampleCount(); cnt != 2 {
		t.Errorf("sample_count = %d, want 2", cnt)
	}
	if sum := h.GetHistogram().GetSampleSum(); sum < 0.49 || sum > 0.51 {
		t.Errorf("sample_sum = %v, want 0.5", sum)
	}
}

// TestRecordSubjectCheck は結果ラベルごとに集計されることを検証する。
func TestRecordSubjectCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSubjectCheck(ResultUnchanged)
	c.RecordSubjectCheck(ResultUnchanged)
	c.RecordSubjectCheck(ResultFetchError)

	tests := []struct {
		result string
		want   float64
	}{
		{ResultUnchanged, 2},
		{ResultFetchError, 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, "friendtracker_subject_checks_total", map[string]string{"result": tt.result})
		if m == nil {
			t.Fatalf("subject_checks_total{result=%q} not found", tt.result)
		}
		if v := m.GetCounter().GetValue(); v != tt.want {
			t.Errorf("subject_checks_total{result=%q} = %v, want %v", tt.result, v, tt.want)
		}
	}
	if m := findMetric(t, reg, "friendtracker_subject_checks_total", map[string]string{"result": ResultStoreError}); m != nil {
		t.Error("store_error should not be present before being recorded")
	}
}

// TestRecordFriendChanges は種別ラベルで加算されることを検証する。
func TestRecordFriendChanges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFriendChanges(2, 1)
	c.RecordFriendChanges(1, 0)

	added := findMetric(t, reg, "friendtracker_friend_changes_total", map[string]string{"type": "added"})
	removed := findMetric(t, reg, "friendtracker_friend_changes_total", map[string]string{"type": "removed"})
	if added == nil || removed == nil {
		t.Fatal("friend_changes_total metrics not found")
	}
	if v := added.GetCounter().GetValue(); v != 3 {
		t.Errorf("added = %v, want 3", v)
	}
	if v := removed.GetCounter().GetValue(); v != 1 {
		t.Errorf("removed = %v, want 1", v)
	}
}

// TestDroppedTicksAndSubscribers はカウンタとゲージを検証する。
func TestDroppedTicksAndSubscribers(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDroppedTick()
	c.SetSubscribers(5)
	c.SetSubscribers(3)

	if m := findMetric(t, reg, "friendtracker_poll_dropped_ticks_total", nil); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("dropped_ticks_total = %v, want 1", m)
	}
	if m := findMetric(t, reg, "friendtracker_subscribers", nil); m == nil || m.GetGauge().GetValue() != 3 {
		t.Errorf("subscribers = %v, want 3", m)
	}
}

// TestRecordBroadcast は配信結果ごとに集計されることを検証する。
func TestRecordBroadcast(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcast(4, 1)
	c.RecordBroadcast(0, 0)

	if m := findMetric(t, reg, "friendtracker_broadcast_deliveries_total", map[string]string{"result": "delivered"}); m == nil || m.GetCounter().GetValue() != 4 {
		t.Errorf("delivered = %v, want 4", m)
	}
	if m := findMetric(t, reg, "friendtracker_broadcast_deliveries_total", map[string]string{"result": "failed"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("failed = %v, want 1", m)
	}
}

// TestNewCollector_DuplicateRegistrationPanics は同一レジストリへの二重登録でpanicすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}
