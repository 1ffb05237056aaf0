package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hitoshi/friendtracker/internal/model"
)

// trackedDocument はデータファイルのJSON形式。
type trackedDocument struct {
	Tracked []*model.TrackedSubject `json:"tracked"`
}

// FileTrackedRepo はJSONファイルを使用した追跡対象リポジトリ。
// 全状態をメモリに保持し、書き込みのたびにファイル全体を書き出す。
// 書き出しは一時ファイルへの書き込みとリネームで行うため、
// プロセスが途中で落ちても直前の完全な状態が残る。
type FileTrackedRepo struct {
	path string

	mu       sync.RWMutex
	order    []model.UserID
	subjects map[model.UserID]*model.TrackedSubject
}

// NewFileTrackedRepo はFileTrackedRepoを生成し、既存のデータファイルを読み込む。
// ファイルが存在しない場合は空の状態で開始し、空のドキュメントを作成する。
func NewFileTrackedRepo(path string) (*FileTrackedRepo, error) {
	r := &FileTrackedRepo{
		path:     path,
		subjects: make(map[model.UserID]*model.TrackedSubject),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := r.flushLocked(); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err != nil {
		return nil, storeError("データファイルの読み込みに失敗しました", err)
	}

	var doc trackedDocument
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, storeError("データファイルの解析に失敗しました", err)
		}
	}
	for _, s := range doc.Tracked {
		if s == nil {
			continue
		}
		if s.Friends == nil {
			s.Friends = []model.FriendRecord{}
		}
		if s.Events == nil {
			s.Events = []model.ChangeEvent{}
		}
		if _, exists := r.subjects[s.UserID]; !exists {
			r.order = append(r.order, s.UserID)
		}
		r.subjects[s.UserID] = s
	}

	return r, nil
}

// Get は指定ユーザーの追跡状態のコピーを返す。見つからない場合はnilを返す。
func (r *FileTrackedRepo) Get(_ context.Context, userID model.UserID) (*model.TrackedSubject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subjects[userID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

// List は全追跡対象のコピーを登録順で返す。
func (r *FileTrackedRepo) List(_ context.Context) ([]*model.TrackedSubject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subjects := make([]*model.TrackedSubject, 0, len(r.order))
	for _, id := range r.order {
		subjects = append(subjects, r.subjects[id].Clone())
	}
	return subjects, nil
}

// Upsert は追跡状態を挿入または置換し、ファイルに書き出す。
// 書き出しに失敗した場合はメモリ上の状態も元に戻す。
func (r *FileTrackedRepo) Upsert(_ context.Context, subject *model.TrackedSubject) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.subjects[subject.UserID]
	r.subjects[subject.UserID] = subject.Clone()
	if !existed {
		r.order = append(r.order, subject.UserID)
	}

	if err := r.flushLocked(); err != nil {
		if existed {
			r.subjects[subject.UserID] = prev
		} else {
			delete(r.subjects, subject.UserID)
			r.order = r.order[:len(r.order)-1]
		}
		return err
	}
	return nil
}

// Update は保存済みのLastCheckedがprevCheckedと一致する場合にのみ追跡状態を置換する。
// 追跡されていない場合や置き換えられていた場合はmodel.ErrSubjectNotTrackedを返す。
func (r *FileTrackedRepo) Update(_ context.Context, subject *model.TrackedSubject, prevChecked *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.subjects[subject.UserID]
	if !ok || !sameTime(prev.LastChecked, prevChecked) {
		return model.ErrSubjectNotTracked
	}
	r.subjects[subject.UserID] = subject.Clone()

	if err := r.flushLocked(); err != nil {
		r.subjects[subject.UserID] = prev
		return err
	}
	return nil
}

// Remove は追跡状態を削除する。存在しない場合もエラーにしない。
func (r *FileTrackedRepo) Remove(_ context.Context, userID model.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.subjects[userID]
	if !ok {
		return nil
	}
	prevOrder := append([]model.UserID(nil), r.order...)

	delete(r.subjects, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if err := r.flushLocked(); err != nil {
		r.subjects[userID] = prev
		r.order = prevOrder
		return err
	}
	return nil
}

// sameTime は2つの時刻が共にnil、または同一時刻の場合にtrueを返す。
func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// flushLocked は現在の状態をファイルに書き出す。呼び出し元はロックを保持していること。
func (r *FileTrackedRepo) flushLocked() error {
	doc := trackedDocument{Tracked: make([]*model.TrackedSubject, 0, len(r.order))}
	for _, id := range r.order {
		doc.Tracked = append(doc.Tracked, r.subjects[id])
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return storeError("データのエンコードに失敗しました", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storeError("データディレクトリの作成に失敗しました", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return storeError("一時ファイルの作成に失敗しました", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storeError("データファイルの書き込みに失敗しました", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storeError("データファイルの同期に失敗しました", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storeError("一時ファイルのクローズに失敗しました", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return storeError("データファイルの置換に失敗しました", fmt.Errorf("%s: %w", r.path, err))
	}
	return nil
}

// compile-time interface check
var _ TrackedRepository = (*FileTrackedRepo)(nil)
