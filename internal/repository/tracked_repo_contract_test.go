package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/friendtracker/internal/model"
)

// testSubject はテスト用の追跡状態を生成する。
func testSubject(id model.UserID, friendIDs ...model.UserID) *model.TrackedSubject {
	friends := make([]model.FriendRecord, 0, len(friendIDs))
	for _, fid := range friendIDs {
		friends = append(friends, model.FriendRecord{ID: fid, Name: "friend-" + fid.String()})
	}
	checked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.TrackedSubject{
		UserID:      id,
		Friends:     friends,
		Events:      []model.ChangeEvent{},
		LastChecked: &checked,
	}
}

// runTrackedRepoContract は全バックエンド共通の振る舞いを検証する。
func runTrackedRepoContract(t *testing.T, newRepo func(t *testing.T) TrackedRepository) {
	ctx := context.Background()

	t.Run("未登録のGetはnilを返す", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.Get(ctx, 404)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("UpsertしたものをGetで取得できる", func(t *testing.T) {
		repo := newRepo(t)
		s := testSubject(100, 1, 2)
		name := "builderman"
		s.Username = &name

		if err := repo.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		got, err := repo.Get(ctx, 100)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected subject, got nil")
		}
		if got.UsernameValue() != "builderman" {
			t.Errorf("username = %q, want %q", got.UsernameValue(), "builderman")
		}
		if len(got.Friends) != 2 || got.Friends[0].ID != 1 || got.Friends[1].ID != 2 {
			t.Errorf("friends = %+v, want ids [1 2]", got.Friends)
		}
		if got.LastChecked == nil || !got.LastChecked.Equal(*s.LastChecked) {
			t.Errorf("lastChecked = %v, want %v", got.LastChecked, s.LastChecked)
		}
		if got.Events == nil {
			t.Error("events should be empty slice, not nil")
		}
	})

	t.Run("Listは登録順を維持する", func(t *testing.T) {
		repo := newRepo(t)
		for _, id := range []model.UserID{30, 10, 20} {
			if err := repo.Upsert(ctx, testSubject(id)); err != nil {
				t.Fatalf("Upsert(%d) failed: %v", id, err)
			}
		}
		// 既存キーの置換で順序が変わらないこと
		if err := repo.Upsert(ctx, testSubject(30, 7)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		list, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []model.UserID{30, 10, 20}
		if len(list) != len(want) {
			t.Fatalf("len = %d, want %d", len(list), len(want))
		}
		for i, id := range want {
			if list[i].UserID != id {
				t.Errorf("list[%d] = %d, want %d", i, list[i].UserID, id)
			}
		}
		if len(list[0].Friends) != 1 {
			t.Errorf("replaced subject friends = %+v", list[0].Friends)
		}
	})

	t.Run("Updateはイベントを追記する", func(t *testing.T) {
		repo := newRepo(t)
		s := testSubject(100, 1, 2)
		if err := repo.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		prev := *s.LastChecked
		when := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
		s.Friends = []model.FriendRecord{{ID: 2, Name: "friend-2"}, {ID: 3, Name: "friend-3", DisplayName: "Three"}}
		s.Events = append(s.Events,
			model.ChangeEvent{When: when, Type: model.ChangeAdded, Friend: model.FriendRecord{ID: 3, Name: "friend-3", DisplayName: "Three"}},
			model.ChangeEvent{When: when, Type: model.ChangeRemoved, Friend: model.FriendRecord{ID: 1, Name: "friend-1"}},
		)
		s.LastChecked = &when
		if err := repo.Update(ctx, s, &prev); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		later := when.Add(time.Minute)
		s.Events = append(s.Events,
			model.ChangeEvent{When: later, Type: model.ChangeRemoved, Friend: model.FriendRecord{ID: 2, Name: "friend-2"}},
		)
		s.Friends = []model.FriendRecord{{ID: 3, Name: "friend-3", DisplayName: "Three"}}
		if err := repo.Update(ctx, s, &when); err != nil {
			t.Fatalf("second Update failed: %v", err)
		}

		got, err := repo.Get(ctx, 100)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(got.Events) != 3 {
			t.Fatalf("events len = %d, want 3", len(got.Events))
		}
		wantTypes := []model.ChangeType{model.ChangeAdded, model.ChangeRemoved, model.ChangeRemoved}
		wantIDs := []model.UserID{3, 1, 2}
		for i := range wantTypes {
			if got.Events[i].Type != wantTypes[i] || got.Events[i].Friend.ID != wantIDs[i] {
				t.Errorf("events[%d] = %+v, want %s %d", i, got.Events[i], wantTypes[i], wantIDs[i])
			}
		}
		if got.Events[0].Friend.DisplayName != "Three" {
			t.Errorf("displayName = %q, want %q", got.Events[0].Friend.DisplayName, "Three")
		}
		if !got.Events[2].When.Equal(later) {
			t.Errorf("events[2].When = %v, want %v", got.Events[2].When, later)
		}
		if len(got.Friends) != 1 || got.Friends[0].ID != 3 {
			t.Errorf("friends = %+v, want [3]", got.Friends)
		}
	})

	t.Run("未登録のUpdateはErrSubjectNotTracked", func(t *testing.T) {
		repo := newRepo(t)
		s := testSubject(555, 1)
		err := repo.Update(ctx, s, s.LastChecked)
		if !errors.Is(err, model.ErrSubjectNotTracked) {
			t.Fatalf("err = %v, want ErrSubjectNotTracked", err)
		}
		got, err := repo.Get(ctx, 555)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != nil {
			t.Error("Update must not create a subject")
		}
	})

	t.Run("読み取り後に置き換えられた対象のUpdateは書き込まない", func(t *testing.T) {
		repo := newRepo(t)
		stale := testSubject(100, 1)
		if err := repo.Upsert(ctx, stale); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		readChecked := *stale.LastChecked

		// 登録解除と再登録で別の状態に置き換わる
		fresh := testSubject(100, 2)
		registeredAt := readChecked.Add(time.Hour)
		fresh.LastChecked = &registeredAt
		if err := repo.Remove(ctx, 100); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if err := repo.Upsert(ctx, fresh); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		checkedAt := registeredAt.Add(time.Minute)
		stale.LastChecked = &checkedAt
		stale.Friends = []model.FriendRecord{{ID: 3, Name: "friend-3"}}
		stale.Events = []model.ChangeEvent{
			{When: checkedAt, Type: model.ChangeAdded, Friend: model.FriendRecord{ID: 3, Name: "friend-3"}},
		}
		err := repo.Update(ctx, stale, &readChecked)
		if !errors.Is(err, model.ErrSubjectNotTracked) {
			t.Fatalf("err = %v, want ErrSubjectNotTracked", err)
		}

		got, err := repo.Get(ctx, 100)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(got.Friends) != 1 || got.Friends[0].ID != 2 {
			t.Errorf("friends = %+v, want [2]", got.Friends)
		}
		if len(got.Events) != 0 {
			t.Errorf("events = %+v, want empty", got.Events)
		}
		if got.LastChecked == nil || !got.LastChecked.Equal(registeredAt) {
			t.Errorf("lastChecked = %v, want %v", got.LastChecked, registeredAt)
		}
	})

	t.Run("同じ長さの別履歴でUpsertすると履歴が置換される", func(t *testing.T) {
		repo := newRepo(t)
		when := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
		s := testSubject(100, 1)
		s.Events = []model.ChangeEvent{
			{When: when, Type: model.ChangeAdded, Friend: model.FriendRecord{ID: 1, Name: "friend-1"}},
		}
		if err := repo.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		s.Events = []model.ChangeEvent{
			{When: when.Add(time.Hour), Type: model.ChangeRemoved, Friend: model.FriendRecord{ID: 9, Name: "friend-9"}},
		}
		if err := repo.Upsert(ctx, s); err != nil {
			t.Fatalf("second Upsert failed: %v", err)
		}

		got, err := repo.Get(ctx, 100)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(got.Events) != 1 {
			t.Fatalf("events len = %d, want 1", len(got.Events))
		}
		if e := got.Events[0]; e.Type != model.ChangeRemoved || e.Friend.ID != 9 || !e.When.Equal(when.Add(time.Hour)) {
			t.Errorf("events[0] = %+v, want removed 9", e)
		}
	})

	t.Run("Removeは冪等", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.Upsert(ctx, testSubject(100, 1)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if err := repo.Remove(ctx, 100); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if err := repo.Remove(ctx, 100); err != nil {
			t.Fatalf("second Remove failed: %v", err)
		}
		got, err := repo.Get(ctx, 100)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != nil {
			t.Error("subject should be removed")
		}
	})

	t.Run("取得結果の変更はストアに影響しない", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.Upsert(ctx, testSubject(100, 1)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		got, _ := repo.Get(ctx, 100)
		got.Friends[0].Name = "mutated"
		got.Friends = append(got.Friends, model.FriendRecord{ID: 9})

		again, _ := repo.Get(ctx, 100)
		if len(again.Friends) != 1 || again.Friends[0].Name != "friend-1" {
			t.Errorf("store was mutated through returned value: %+v", again.Friends)
		}
	})
}
