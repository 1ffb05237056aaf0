// Package model はドメインモデルを定義する。
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// UserID はRobloxのユーザーID。
// JSONでは数値と10進文字列のどちらも受け付け、常に数値として出力する。
// 差分判定はこの正規化済みの値で行う。
type UserID int64

// UnmarshalJSON は数値または文字列表現のIDをデコードする。
func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseUserID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ユーザーIDの形式が不正です: %s", string(data))
	}
	parsed, err := ParseUserID(n.String())
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// String は10進表現を返す。
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID は10進文字列をUserIDに変換する。
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ユーザーIDの形式が不正です: %q", s)
	}
	return UserID(n), nil
}

// FriendRecord はフレンド1件を表す。同一性はIDのみで判定し、他はペイロード。
type FriendRecord struct {
	ID          UserID `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// ChangeType はフレンド変更イベントの種別。
type ChangeType string

const (
	// ChangeAdded はフレンドが追加されたことを示す。
	ChangeAdded ChangeType = "added"
	// ChangeRemoved はフレンドが削除されたことを示す。
	ChangeRemoved ChangeType = "removed"
)

// ChangeEvent はイベントログの1エントリ。
type ChangeEvent struct {
	When   time.Time    `json:"when"`
	Type   ChangeType   `json:"type"`
	Friend FriendRecord `json:"friend"`
}

// TrackedSubject はフレンド一覧を監視しているユーザーの追跡状態。
type TrackedSubject struct {
	UserID      UserID         `json:"userId"`
	Username    *string        `json:"username"`
	Friends     []FriendRecord `json:"friends"`
	Events      []ChangeEvent  `json:"events"`
	LastChecked *time.Time     `json:"lastChecked"`
}

// Clone は呼び出し元と状態を共有しないコピーを返す。
func (s *TrackedSubject) Clone() *TrackedSubject {
	if s == nil {
		return nil
	}
	c := &TrackedSubject{UserID: s.UserID}
	if s.Username != nil {
		name := *s.Username
		c.Username = &name
	}
	if s.LastChecked != nil {
		t := *s.LastChecked
		c.LastChecked = &t
	}
	c.Friends = append(make([]FriendRecord, 0, len(s.Friends)), s.Friends...)
	c.Events = append(make([]ChangeEvent, 0, len(s.Events)), s.Events...)
	return c
}

// UsernameValue はユーザー名ヒントを返す。未設定の場合は空文字列。
func (s *TrackedSubject) UsernameValue() string {
	if s.Username == nil {
		return ""
	}
	return *s.Username
}

// メッセージ種別
const (
	MessageTypeFriendChange = "friend-change"
	MessageTypeTrackedList  = "tracked-list"
	MessageTypeGetTracked   = "get-tracked"
)

// BroadcastMessage は1サイクルで差分があった対象ユーザーごとに1回配信される通知。
// 永続化はしない。
type BroadcastMessage struct {
	Type     string         `json:"type"`
	UserID   UserID         `json:"userId"`
	Username *string        `json:"username"`
	When     time.Time      `json:"when"`
	Added    []FriendRecord `json:"added"`
	Removed  []FriendRecord `json:"removed"`
}

// TrackedListMessage は購読者への追跡一覧スナップショット。
// 接続確立時とget-trackedリクエストへの応答で送信する。
type TrackedListMessage struct {
	Type    string            `json:"type"`
	Tracked []*TrackedSubject `json:"tracked"`
}

// NewTrackedListMessage はTrackedListMessageを生成する。
func NewTrackedListMessage(tracked []*TrackedSubject) TrackedListMessage {
	if tracked == nil {
		tracked = []*TrackedSubject{}
	}
	return TrackedListMessage{Type: MessageTypeTrackedList, Tracked: tracked}
}
