// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/friendtracker/internal/model"
)

// TrackedRepository は追跡対象ユーザーの永続化インターフェース。
// userIDをキーとするキーバリューとして振る舞い、書き込みはキー単位でアトミックに行う。
// 書き込みが成功して返った時点で永続化済みであること（ライトスルー）。
// 失敗は *model.StoreError でラップして返す。
type TrackedRepository interface {
	// Get は指定ユーザーの追跡状態を取得する。追跡されていない場合はnilを返す。
	Get(ctx context.Context, userID model.UserID) (*model.TrackedSubject, error)

	// List は全追跡対象を登録順で返す。
	List(ctx context.Context) ([]*model.TrackedSubject, error)

	// Upsert は追跡状態をキー単位で挿入または置換する。
	Upsert(ctx context.Context, subject *model.TrackedSubject) error

	// Update は既存の追跡状態を、保存済みのLastCheckedがprevCheckedと一致する場合にのみ置換する。
	// キーが存在しない場合、または呼び出し元が読み取った後に置き換えられていた場合は
	// 何も書き込まず model.ErrSubjectNotTracked を返す。
	// ポーリング中に登録解除・再登録された対象を古いスナップショットで上書きしないために使用する。
	Update(ctx context.Context, subject *model.TrackedSubject, prevChecked *time.Time) error

	// Remove は追跡状態を削除する。存在しないキーの削除はエラーにしない。
	Remove(ctx context.Context, userID model.UserID) error
}

// storeError は永続化エラーをStoreErrorでラップする。
func storeError(op string, err error) error {
	return &model.StoreError{Op: op, Err: err}
}
