package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/friendtracker/internal/model"
)

// SnapshotSource は追跡一覧スナップショットの取得元。
type SnapshotSource interface {
	List(ctx context.Context) ([]*model.TrackedSubject, error)
}

// WSOptions はWebSocket購読者チャネルの設定。
type WSOptions struct {
	// SendBuffer は購読者ごとの送信キュー長。
	SendBuffer int
	// WriteWait は1メッセージの書き込みタイムアウト。
	WriteWait time.Duration
	// PongWait はpong受信までの待機時間。超過すると切断する。
	PongWait time.Duration
	// PingPeriod はping送信間隔。PongWaitより短くすること。
	PingPeriod time.Duration
	// MaxMessageSize は受信メッセージの最大サイズ。
	MaxMessageSize int64
	// AllowedOrigin は接続を許可するOrigin。"*"または空の場合は全て許可する。
	AllowedOrigin string
}

// DefaultWSOptions はデフォルトのWebSocket設定を返す。
func DefaultWSOptions() WSOptions {
	return WSOptions{
		SendBuffer:     32,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		AllowedOrigin:  "*",
	}
}

// WSHandler はWebSocket接続を購読者としてHubに登録するHTTPハンドラー。
// 接続直後に追跡一覧を1回送信し、以降はHubからの通知を転送する。
// クライアントからの{"type":"get-tracked"}にはそのクライアントにのみ追跡一覧を返す。
type WSHandler struct {
	hub       *Hub
	snapshots SnapshotSource
	logger    *slog.Logger
	opts      WSOptions
	upgrader  websocket.Upgrader
}

// NewWSHandler はWSHandlerの新しいインスタンスを生成する。
func NewWSHandler(hub *Hub, snapshots SnapshotSource, logger *slog.Logger, opts WSOptions) *WSHandler {
	defaults := DefaultWSOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}

	h := &WSHandler{
		hub:       hub,
		snapshots: snapshots,
		logger:    logger,
		opts:      opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.opts.AllowedOrigin
}

// ServeHTTP はWebSocketへのアップグレードを行い、接続が閉じるまでブロックする。
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み
		h.logger.Warn("WebSocketのアップグレードに失敗しました",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	sub := newWSSubscriber(conn, h.opts)

	// 通知より先に追跡一覧が届くよう、Hubに登録する前にキューに積む
	h.sendTrackedList(r.Context(), sub)

	id := h.hub.Add(sub)
	go sub.writePump(h.logger)
	h.readPump(sub)

	h.hub.Remove(id)
	_ = sub.Close()
}

// readPump はクライアントからのメッセージを読み、接続が閉じるまでブロックする。
func (h *WSHandler) readPump(sub *wsSubscriber) {
	conn := sub.conn
	conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("WebSocketの読み取りを終了しました", slog.String("error", err.Error()))
			}
			return
		}
		h.logger.Debug("WebSocketメッセージを受信しました", slog.Int("size", len(data)))

		var req struct {
			Type string `json:"type"`
		}
		// 解析できないメッセージは無視する
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type == model.MessageTypeGetTracked {
			h.sendTrackedList(context.Background(), sub)
		}
	}
}

// sendTrackedList は現在の追跡一覧を購読者の送信キューに積む。
// 取得や送信に失敗した場合はログのみ出力する。
func (h *WSHandler) sendTrackedList(ctx context.Context, sub *wsSubscriber) {
	tracked, err := h.snapshots.List(ctx)
	if err != nil {
		h.logger.Error("追跡一覧の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(model.NewTrackedListMessage(tracked))
	if err != nil {
		h.logger.Error("追跡一覧のエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}
	if err := sub.Send(payload); err != nil {
		h.logger.Warn("追跡一覧の送信に失敗しました", slog.String("error", err.Error()))
	}
}

// wsSubscriber はWebSocket接続1本を表す購読者。
// 書き込みはwritePumpゴルーチンのみが行う。
type wsSubscriber struct {
	conn *websocket.Conn
	opts WSOptions

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn, opts WSOptions) *wsSubscriber {
	return &wsSubscriber{
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// Send はペイロードを送信キューに積む。ブロックしない。
func (s *wsSubscriber) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSubscriberSlow
	}
}

// Close は接続を閉じる。複数回呼んでもよい。
func (s *wsSubscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// writePump は送信キューのメッセージとpingを書き込む。
// 書き込みに失敗するかCloseされると接続を閉じて終了する。
func (s *wsSubscriber) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		_ = s.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("WebSocketへの書き込みに失敗しました", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		}
	}
}

var _ Subscriber = (*wsSubscriber)(nil)
