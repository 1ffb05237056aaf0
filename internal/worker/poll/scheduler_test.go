package poll

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockRunner はPassRunnerのテスト用モック。
type mockRunner struct {
	runFunc func(ctx context.Context) (PassResult, error)
	calls   atomic.Int32
}

func (m *mockRunner) RunPass(ctx context.Context) (PassResult, error) {
	m.calls.Add(1)
	if m.runFunc != nil {
		return m.runFunc(ctx)
	}
	return PassResult{}, nil
}

func TestNewScheduler_EnforcesMinInterval(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{"ゼロ", 0, MinInterval},
		{"負数", -time.Second, MinInterval},
		{"下限未満", 200 * time.Millisecond, MinInterval},
		{"下限ちょうど", time.Second, time.Second},
		{"デフォルト", 60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(&mockRunner{}, tt.interval, newTestLogger(&buf), nil)
			if got := s.Interval(); got != tt.want {
				t.Errorf("Interval() = %v, want %v", got, tt.want)
			}
		})
	}
}

// 起動直後に1回パスが実行される
func TestScheduler_Start_RunsImmediately(t *testing.T) {
	var buf bytes.Buffer
	ran := make(chan struct{}, 1)
	runner := &mockRunner{runFunc: func(ctx context.Context) (PassResult, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return PassResult{Subjects: 2, Changed: 1, Unchanged: 1}, nil
	}}
	s := NewScheduler(runner, time.Hour, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("初回パスが実行されなかった")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Startがキャンセル後に戻らなかった")
	}

	if runner.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", runner.calls.Load())
	}
	logs := buf.String()
	if !strings.Contains(logs, "ポーリングパスが完了しました") || !strings.Contains(logs, `"changed_count":1`) {
		t.Errorf("pass summary not logged: %s", logs)
	}
}

// 実行中にTryRunPassを呼ぶとfalseになり、ティックは破棄される
func TestScheduler_TryRunPass_DropsWhenBusy(t *testing.T) {
	var buf bytes.Buffer
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &mockRunner{runFunc: func(ctx context.Context) (PassResult, error) {
		close(started)
		<-release
		return PassResult{}, nil
	}}
	m := &mockMetrics{}
	s := NewScheduler(runner, time.Hour, newTestLogger(&buf), m)

	first := make(chan bool)
	go func() { first <- s.TryRunPass(context.Background()) }()
	<-started

	for i := 0; i < 3; i++ {
		if s.TryRunPass(context.Background()) {
			t.Fatal("TryRunPass should return false while a pass is running")
		}
	}

	close(release)
	if !<-first {
		t.Error("first TryRunPass should return true")
	}
	if runner.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (ticks must not be queued)", runner.calls.Load())
	}
	if m.dropped != 3 {
		t.Errorf("dropped = %d, want 3", m.dropped)
	}

	// 完了後は再び実行できる
	runner.runFunc = nil
	if !s.TryRunPass(context.Background()) {
		t.Error("TryRunPass should succeed after previous pass completed")
	}
}

// パスが間隔より長くかかってもティックは積まれず、同時実行は1つまで
func TestScheduler_Start_NoOverlap(t *testing.T) {
	var buf bytes.Buffer
	var active, maxActive atomic.Int32
	runner := &mockRunner{runFunc: func(ctx context.Context) (PassResult, error) {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2500 * time.Millisecond)
		active.Add(-1)
		return PassResult{}, nil
	}}
	m := &mockMetrics{}
	s := NewScheduler(runner, MinInterval, newTestLogger(&buf), m)

	ctx, cancel := context.WithTimeout(context.Background(), 3200*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent passes = %d, want 1", maxActive.Load())
	}
	// 0sで初回、1s・2sのティックは破棄、3sのティックで2回目（キャンセルとの競合あり）
	if calls := runner.calls.Load(); calls < 1 || calls > 2 {
		t.Errorf("calls = %d, want 1 or 2", calls)
	}
	if m.dropped < 2 {
		t.Errorf("dropped = %d, want >= 2", m.dropped)
	}
}

// シャットダウンのキャンセルは実行中のパスに伝播せず、Startは完了を待つ
func TestScheduler_Start_WaitsForInFlightPass(t *testing.T) {
	var buf bytes.Buffer
	started := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool
	runner := &mockRunner{runFunc: func(ctx context.Context) (PassResult, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		finished.Store(true)
		return PassResult{}, nil
	}}
	s := NewScheduler(runner, time.Hour, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done

	if !finished.Load() {
		t.Error("Start returned before in-flight pass finished")
	}
	if sawCancel.Load() {
		t.Error("pass context should be detached from shutdown cancellation")
	}
}

// パスのエラーはログに出力され、スケジューラは継続する
func TestScheduler_PassErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	runner := &mockRunner{runFunc: func(ctx context.Context) (PassResult, error) {
		return PassResult{}, errors.New("list failed")
	}}
	s := NewScheduler(runner, time.Hour, newTestLogger(&buf), nil)

	if !s.TryRunPass(context.Background()) {
		t.Fatal("TryRunPass returned false")
	}
	if !s.TryRunPass(context.Background()) {
		t.Fatal("second TryRunPass returned false")
	}
	if !strings.Contains(buf.String(), "list failed") {
		t.Errorf("error not logged: %s", buf.String())
	}
}
