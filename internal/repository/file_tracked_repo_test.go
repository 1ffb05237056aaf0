package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hitoshi/friendtracker/internal/model"
)

func TestFileTrackedRepo_Contract(t *testing.T) {
	runTrackedRepoContract(t, func(t *testing.T) TrackedRepository {
		repo, err := NewFileTrackedRepo(filepath.Join(t.TempDir(), "tracked.json"))
		if err != nil {
			t.Fatalf("NewFileTrackedRepo failed: %v", err)
		}
		return repo
	})
}

// ファイルが存在しない場合はディレクトリごと空のドキュメントを作成する
func TestNewFileTrackedRepo_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "tracked.json")

	if _, err := NewFileTrackedRepo(path); err != nil {
		t.Fatalf("NewFileTrackedRepo failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("data file not created: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if string(doc["tracked"]) != "[]" {
		t.Errorf("tracked = %s, want []", doc["tracked"])
	}
}

// 書き込みは即座にファイルに反映され、再起動後に復元される
func TestFileTrackedRepo_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracked.json")

	repo, err := NewFileTrackedRepo(path)
	if err != nil {
		t.Fatalf("NewFileTrackedRepo failed: %v", err)
	}
	s := testSubject(100, 1, 2)
	s.Events = []model.ChangeEvent{{When: *s.LastChecked, Type: model.ChangeAdded, Friend: model.FriendRecord{ID: 2, Name: "friend-2"}}}
	if err := repo.Upsert(ctx, s); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := repo.Upsert(ctx, testSubject(200)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	reopened, err := NewFileTrackedRepo(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	list, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].UserID != 100 || list[1].UserID != 200 {
		t.Fatalf("list = %+v, want [100 200]", list)
	}
	if len(list[0].Events) != 1 || list[0].Events[0].Friend.ID != 2 {
		t.Errorf("events = %+v", list[0].Events)
	}
}

// 文字列表現のIDを含む既存ファイルも読み込める
func TestNewFileTrackedRepo_LoadsStringIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracked.json")
	content := `{"tracked":[{"userId":"100","username":"builderman","friends":[{"id":"1","name":"a"},{"id":2,"name":"b"}],"events":[],"lastChecked":null}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	repo, err := NewFileTrackedRepo(path)
	if err != nil {
		t.Fatalf("NewFileTrackedRepo failed: %v", err)
	}
	got, err := repo.Get(context.Background(), 100)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected subject")
	}
	if got.Friends[0].ID != 1 || got.Friends[1].ID != 2 {
		t.Errorf("friends = %+v", got.Friends)
	}
	if got.LastChecked != nil {
		t.Errorf("lastChecked = %v, want nil", got.LastChecked)
	}
}

// 壊れたファイルはStoreErrorになる
func TestNewFileTrackedRepo_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracked.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileTrackedRepo(path)
	var storeErr *model.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("err = %v, want *model.StoreError", err)
	}
}

// 書き出しに失敗した場合はメモリ上の状態も変更されない
func TestFileTrackedRepo_WriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tracked.json")

	repo, err := NewFileTrackedRepo(path)
	if err != nil {
		t.Fatalf("NewFileTrackedRepo failed: %v", err)
	}
	if err := repo.Upsert(ctx, testSubject(100, 1)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// データファイルの位置をディレクトリにしてリネームを失敗させる
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	err = repo.Upsert(ctx, testSubject(200))
	var storeErr *model.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("err = %v, want *model.StoreError", err)
	}

	list, _ := repo.List(ctx)
	if len(list) != 1 || list[0].UserID != 100 {
		t.Errorf("list = %+v, want only 100", list)
	}

	next := testSubject(100, 1, 2)
	err = repo.Update(ctx, next, next.LastChecked)
	if !errors.As(err, &storeErr) {
		t.Fatalf("Update err = %v, want *model.StoreError", err)
	}
	got, _ := repo.Get(ctx, 100)
	if len(got.Friends) != 1 {
		t.Errorf("friends = %+v, want unchanged", got.Friends)
	}
}
