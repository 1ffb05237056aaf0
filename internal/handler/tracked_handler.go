package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/friendtracker/internal/model"
	"github.com/hitoshi/friendtracker/internal/tracker"
)

// レスポンスメッセージ
const (
	msgNowTracking     = "Now tracking user"
	msgAlreadyTracking = "Already tracking this user"
	msgStoppedTracking = "Stopped tracking user"
)

// TrackerServiceInterface は追跡ハンドラーが必要とするサービスインターフェース。
type TrackerServiceInterface interface {
	// Register はユーザーを追跡対象として登録する。createdは新規登録かどうか。
	Register(ctx context.Context, in tracker.RegisterInput) (*model.TrackedSubject, bool, error)
	// Unregister は追跡を解除する。
	Unregister(ctx context.Context, userID model.UserID) error
	// List は全追跡対象を返す。
	List(ctx context.Context) ([]*model.TrackedSubject, error)
	// Friends は追跡対象の現在のフレンド一覧を返す。
	Friends(ctx context.Context, userID model.UserID) ([]model.FriendRecord, error)
	// Events は追跡対象の変更履歴を返す。
	Events(ctx context.Context, userID model.UserID) ([]model.ChangeEvent, error)
}

// TrackedHandler は追跡管理のHTTPハンドラー。
type TrackedHandler struct {
	service TrackerServiceInterface
}

// NewTrackedHandler はTrackedHandlerを生成する。
func NewTrackedHandler(service TrackerServiceInterface) *TrackedHandler {
	return &TrackedHandler{service: service}
}

// trackRequest は追跡登録リクエストのボディ。
// userIdは数値と文字列のどちらも受け付ける。
type trackRequest struct {
	UserID   json.RawMessage `json:"userId"`
	Username *string         `json:"username"`
}

type trackResponse struct {
	Message string                `json:"message"`
	Tracked *model.TrackedSubject `json:"tracked"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type trackedListResponse struct {
	Tracked []*model.TrackedSubject `json:"tracked"`
}

type friendsResponse struct {
	Friends []model.FriendRecord `json:"friends"`
}

type eventsResponse struct {
	Events []model.ChangeEvent `json:"events"`
}

// ListTracked は全追跡対象を返す。
// GET /tracked
func (h *TrackedHandler) ListTracked(w http.ResponseWriter, r *http.Request) {
	tracked, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if tracked == nil {
		tracked = []*model.TrackedSubject{}
	}
	writeJSON(w, http.StatusOK, trackedListResponse{Tracked: tracked})
}

// Track はユーザーの追跡を開始する。
// POST /track
func (h *TrackedHandler) Track(w http.ResponseWriter, r *http.Request) {
	in, apiErr := decodeTrackRequest(r.Body)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	subject, created, err := h.service.Register(r.Context(), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	msg := msgAlreadyTracking
	if created {
		msg = msgNowTracking
	}
	writeJSON(w, http.StatusOK, trackResponse{Message: msg, Tracked: subject})
}

// Untrack はユーザーの追跡を解除する。追跡されていなくても成功を返す。
// DELETE /track/{userId}
func (h *TrackedHandler) Untrack(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Unregister(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msgStoppedTracking})
}

// GetFriends は追跡対象の現在のフレンド一覧を返す。
// GET /friends/{userId}
func (h *TrackedHandler) GetFriends(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	friends, err := h.service.Friends(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, friendsResponse{Friends: friends})
}

// GetEvents は追跡対象の変更履歴を返す。
// GET /events/{userId}
func (h *TrackedHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	events, err := h.service.Events(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// --- ヘルパー関数 ---

// decodeTrackRequest はリクエストボディを解析する。空のボディは未指定として扱う。
func decodeTrackRequest(body io.Reader) (tracker.RegisterInput, *model.APIError) {
	var in tracker.RegisterInput

	var req trackRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return in, model.NewInvalidRequestError()
	}

	raw := bytes.TrimSpace(req.UserID)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		var id model.UserID
		if err := json.Unmarshal(raw, &id); err != nil {
			return in, model.NewInvalidUserIDError(string(raw))
		}
		in.UserID = &id
	}
	in.Username = req.Username
	return in, nil
}

// userIDParam はパスの{userId}を解析する。不正な場合は400を書き込みfalseを返す。
func userIDParam(w http.ResponseWriter, r *http.Request) (model.UserID, bool) {
	raw := chi.URLParam(r, "userId")
	userID, err := model.ParseUserID(raw)
	if err != nil || userID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidUserIDError(raw))
		return 0, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var notFound *model.NotFoundError
	if errors.As(err, &notFound) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUsernameNotFoundError(notFound.Username))
		return
	}

	var upstream *model.UpstreamError
	if errors.As(err, &upstream) {
		slog.Warn("upstream request failed",
			slog.String("op", upstream.Op),
			slog.Int("status_code", upstream.StatusCode),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError())
		return
	}

	var storeErr *model.StoreError
	if errors.As(err, &storeErr) {
		slog.Error("store operation failed",
			slog.String("op", storeErr.Op),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewStoreFailedError())
		return
	}

	// 上記以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidUserID, model.ErrCodeMissingSubject:
		return http.StatusBadRequest
	case model.ErrCodeUsernameNotFound, model.ErrCodeNotTracked:
		return http.StatusNotFound
	case model.ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
