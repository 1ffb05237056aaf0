// Package notify は追跡対象の変更を接続中の購読者へ配信する。
// 購読者レジストリ（Hub）と、WebSocketによる購読者チャネルを含む。
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/friendtracker/internal/metrics"
	"github.com/hitoshi/friendtracker/internal/model"
)

var (
	// ErrSubscriberSlow は購読者の送信キューが満杯であることを示す。
	ErrSubscriberSlow = errors.New("購読者の送信キューが満杯です")
	// ErrSubscriberClosed は購読者が既に切断されていることを示す。
	ErrSubscriberClosed = errors.New("購読者は切断済みです")
)

// Subscriber は配信先の購読者チャネル。
// Sendはブロックしてはならない。送れない場合はエラーを返す。
type Subscriber interface {
	Send(payload []byte) error
	Close() error
}

// Hub は購読者レジストリ。並行呼び出しに対して安全。
type Hub struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu     sync.RWMutex
	subs   map[string]Subscriber
	closed bool
}

// NewHub はHubの新しいインスタンスを生成する。
func NewHub(logger *slog.Logger, collector metrics.MetricsCollector) *Hub {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Hub{
		logger:  logger,
		metrics: collector,
		subs:    make(map[string]Subscriber),
	}
}

// Add は購読者を登録し、割り当てたIDを返す。
// Close済みのHubに追加した場合、購読者は即座にCloseされる。
func (h *Hub) Add(sub Subscriber) string {
	id := uuid.NewString()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sub.Close()
		return id
	}
	h.subs[id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(count)
	h.logger.Debug("購読者が接続しました",
		slog.String("subscriber_id", id),
		slog.Int("subscriber_count", count),
	)
	return id
}

// Remove は購読者の登録を解除する。存在しないIDは無視する。
// Closeは呼ばない。
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.SetSubscribers(count)
	h.logger.Debug("購読者が切断しました",
		slog.String("subscriber_id", id),
		slog.Int("subscriber_count", count),
	)
}

// Count は接続中の購読者数を返す。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast はメッセージを全購読者に送信する。
// 送信に失敗した購読者は登録を解除してCloseする。呼び出し元にはエラーを返さない。
func (h *Hub) Broadcast(msg model.BroadcastMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("通知メッセージのエンコードに失敗しました",
			slog.String("user_id", msg.UserID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	h.broadcastRaw(payload)
}

// broadcastRaw はエンコード済みのペイロードを全購読者に送信する。
func (h *Hub) broadcastRaw(payload []byte) {
	h.mu.RLock()
	snapshot := make(map[string]Subscriber, len(h.subs))
	for id, sub := range h.subs {
		snapshot[id] = sub
	}
	h.mu.RUnlock()

	delivered, failed := 0, 0
	for id, sub := range snapshot {
		if err := safeSend(sub, payload); err != nil {
			failed++
			h.logger.Warn("購読者への送信に失敗したため切断します",
				slog.String("subscriber_id", id),
				slog.String("error", err.Error()),
			)
			h.Remove(id)
			_ = sub.Close()
			continue
		}
		delivered++
	}
	h.metrics.RecordBroadcast(delivered, failed)
}

// safeSend は購読者のSendを呼び出し、panicを送信失敗として返す。
func safeSend(sub Subscriber, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("購読者への送信中にpanicが発生しました: %v", rec)
		}
	}()
	return sub.Send(payload)
}

// Close は全購読者をCloseして登録を解除する。以降のAddは即座にCloseされる。
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	h.metrics.SetSubscribers(0)
}
