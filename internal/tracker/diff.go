// Package tracker はフレンド一覧追跡のドメインロジックを提供する。
// 差分計算（Diff）と追跡対象の登録・解除（Service）を含む。
package tracker

import "github.com/hitoshi/friendtracker/internal/model"

// Delta は2つのフレンド一覧スナップショット間の差分。
type Delta struct {
	Added   []model.FriendRecord
	Removed []model.FriendRecord
}

// Empty は追加・削除のどちらも存在しない場合にtrueを返す。
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff は旧スナップショットと新スナップショットの差分を計算する。
// Addedは新一覧の順序、Removedは旧一覧の順序を保持する。
// 同一性はIDのみで判定する（UserIDはデコード時に数値へ正規化済み）。
// 副作用はなく、失敗しない。
func Diff(oldFriends, newFriends []model.FriendRecord) Delta {
	oldIDs := idSet(oldFriends)
	newIDs := idSet(newFriends)

	delta := Delta{
		Added:   []model.FriendRecord{},
		Removed: []model.FriendRecord{},
	}
	for _, f := range newFriends {
		if _, ok := oldIDs[f.ID]; !ok {
			delta.Added = append(delta.Added, f)
		}
	}
	for _, f := range oldFriends {
		if _, ok := newIDs[f.ID]; !ok {
			delta.Removed = append(delta.Removed, f)
		}
	}
	return delta
}

func idSet(friends []model.FriendRecord) map[model.UserID]struct{} {
	set := make(map[model.UserID]struct{}, len(friends))
	for _, f := range friends {
		set[f.ID] = struct{}{}
	}
	return set
}
