package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, tracking, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeInvalidUserID    = "INVALID_USER_ID"
	ErrCodeMissingSubject   = "MISSING_SUBJECT"
	ErrCodeUsernameNotFound = "USERNAME_NOT_FOUND"
	ErrCodeNotTracked       = "NOT_TRACKED"
	ErrCodeUpstreamFailed   = "UPSTREAM_FAILED"
	ErrCodeStoreFailed      = "STORE_FAILED"
)

// ErrSubjectNotTracked は対象ユーザーが追跡されていないことを示す。
var ErrSubjectNotTracked = errors.New("ユーザーは追跡されていません")

// NotFoundError はユーザー名からユーザーIDを解決できなかったことを示す。
type NotFoundError struct {
	Username string
}

// Error はerrorインターフェースを実装する。
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ユーザー名が見つかりません: %s", e.Username)
}

// UpstreamError はフレンド取得元（Roblox API）の呼び出しが失敗したことを示す。
// ネットワークエラー、非2xxステータス、不正なレスポンス、タイムアウトを含む。
type UpstreamError struct {
	Op         string
	StatusCode int // HTTPステータス。レスポンスを受け取れなかった場合は0
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: 上流APIがステータス %d を返しました", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StoreError は追跡状態の永続化に失敗したことを示す。
type StoreError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidUserIDError は不正なユーザーIDエラーを生成する。
func NewInvalidUserIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUserID,
		Message:  fmt.Sprintf("無効なユーザーIDです: %s", raw),
		Category: "validation",
		Action:   "ユーザーIDには正の整数を指定してください。",
	}
}

// NewMissingSubjectError はuserIdとusernameの両方が未指定の場合のエラーを生成する。
func NewMissingSubjectError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingSubject,
		Message:  "Must provide userId or username",
		Category: "validation",
		Action:   "userId または username のどちらかを指定してください。",
	}
}

// NewUsernameNotFoundError はユーザー名解決失敗エラーを生成する。
func NewUsernameNotFoundError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameNotFound,
		Message:  fmt.Sprintf("ユーザー名が見つかりません: %s", username),
		Category: "tracking",
		Action:   "Robloxのユーザー名を確認してください。",
	}
}

// NewNotTrackedError は追跡対象外ユーザーへの参照エラーを生成する。
func NewNotTrackedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotTracked,
		Message:  "User not tracked",
		Category: "tracking",
		Action:   "先に POST /track で追跡を開始してください。",
	}
}

// NewUpstreamFailedError は上流API呼び出し失敗エラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "Roblox APIからの取得に失敗しました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewStoreFailedError は永続化失敗エラーを生成する。
func NewStoreFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreFailed,
		Message:  "追跡状態の保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
