// Package roblox はRoblox公開APIのクライアントを提供する。
// ユーザー名からユーザーIDへの解決と、ユーザーのフレンド一覧取得を行う。
package roblox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/friendtracker/internal/model"
	"github.com/hitoshi/friendtracker/internal/security"
)

const (
	// DefaultUsersBaseURL はユーザーAPIのベースURL。
	DefaultUsersBaseURL = "https://users.roblox.com"
	// DefaultFriendsBaseURL はフレンドAPIのベースURL。
	DefaultFriendsBaseURL = "https://friends.roblox.com"
	// DefaultTimeout は1回のAPI呼び出しのデフォルトタイムアウト。
	DefaultTimeout = 10 * time.Second

	// maxResponseSize はレスポンスボディの最大読み取りサイズ（5MB）。
	maxResponseSize = 5 * 1024 * 1024
	userAgent       = "FriendTracker/1.0"
)

// Options はClientの設定。
type Options struct {
	UsersBaseURL   string
	FriendsBaseURL string
	// Timeout は1回の呼び出し（レート制限の待機を含む）の上限時間。
	Timeout time.Duration
	// RateLimit は1秒あたりの最大リクエスト数。0以下の場合は制限しない。
	RateLimit float64
}

// Client はRoblox APIのクライアント。並行呼び出しに対して安全。
type Client struct {
	httpClient     *http.Client
	logger         *slog.Logger
	usersBaseURL   string
	friendsBaseURL string
	timeout        time.Duration
	limiter        *rate.Limiter
	sanitizer      *security.NameSanitizer
}

// NewClient はClientの新しいインスタンスを生成する。
// 未設定のオプションにはデフォルト値を使用する。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts Options) *Client {
	if opts.UsersBaseURL == "" {
		opts.UsersBaseURL = DefaultUsersBaseURL
	}
	if opts.FriendsBaseURL == "" {
		opts.FriendsBaseURL = DefaultFriendsBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Client{
		httpClient:     httpClient,
		logger:         logger,
		usersBaseURL:   strings.TrimRight(opts.UsersBaseURL, "/"),
		friendsBaseURL: strings.TrimRight(opts.FriendsBaseURL, "/"),
		timeout:        opts.Timeout,
		limiter:        limiter,
		sanitizer:      security.NewNameSanitizer(),
	}
}

type usernamesRequest struct {
	Usernames          []string `json:"usernames"`
	ExcludeBannedUsers bool     `json:"excludeBannedUsers"`
}

type usernamesResponse struct {
	Data []struct {
		ID   model.UserID `json:"id"`
		Name string       `json:"name"`
	} `json:"data"`
}

type friendsResponse struct {
	Data []model.FriendRecord `json:"data"`
}

// ResolveUsername はユーザー名をユーザーIDに解決する。
// 該当ユーザーがいない場合は *model.NotFoundError を返す。
func (c *Client) ResolveUsername(ctx context.Context, username string) (model.UserID, error) {
	const op = "ユーザー名の解決"

	body, err := json.Marshal(usernamesRequest{Usernames: []string{username}})
	if err != nil {
		return 0, &model.UpstreamError{Op: op, Err: err}
	}

	var result usernamesResponse
	if err := c.do(ctx, op, http.MethodPost, c.usersBaseURL+"/v1/usernames/users", body, &result); err != nil {
		return 0, err
	}

	if len(result.Data) == 0 {
		return 0, &model.NotFoundError{Username: username}
	}
	return result.Data[0].ID, nil
}

// FetchFriends はユーザーの現在のフレンド一覧を取得する。
// レスポンスにdata配列がない場合は空の一覧として扱う。
// 名前と表示名はマークアップを除去して返す。
func (c *Client) FetchFriends(ctx context.Context, userID model.UserID) ([]model.FriendRecord, error) {
	const op = "フレンド一覧の取得"

	var result friendsResponse
	url := fmt.Sprintf("%s/v1/users/%s/friends", c.friendsBaseURL, userID)
	if err := c.do(ctx, op, http.MethodGet, url, nil, &result); err != nil {
		return nil, err
	}

	friends := make([]model.FriendRecord, 0, len(result.Data))
	for _, f := range result.Data {
		f.Name = c.sanitizer.Clean(f.Name)
		f.DisplayName = c.sanitizer.Clean(f.DisplayName)
		friends = append(friends, f)
	}
	return friends, nil
}

// do はレート制限とタイムアウトを適用してAPIを呼び出し、JSONレスポンスをoutにデコードする。
// 失敗は全て *model.UpstreamError として返す。
func (c *Client) do(ctx context.Context, op, method, url string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return &model.UpstreamError{Op: op, Err: fmt.Errorf("レート制限の待機中に中断されました: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &model.UpstreamError{Op: op, Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Roblox APIの呼び出しがタイムアウトしました",
				slog.String("op", op),
				slog.Duration("timeout", c.timeout),
			)
		}
		return &model.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 接続再利用のためボディを読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return &model.UpstreamError{Op: op, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &model.UpstreamError{Op: op, Err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &model.UpstreamError{Op: op, Err: fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)}
	}
	return nil
}
