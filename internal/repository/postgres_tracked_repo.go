package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/friendtracker/internal/model"
)

// PostgresTrackedRepo はPostgreSQLを使用した追跡対象リポジトリ。
// フレンドスナップショットはtracked_subjects.friends（JSONB）に、
// イベントログは追記専用のfriend_eventsテーブルに保存する。
// 1回の書き込みは1トランザクションで行う。
type PostgresTrackedRepo struct {
	db *sql.DB
}

// NewPostgresTrackedRepo はPostgresTrackedRepoを生成する。
func NewPostgresTrackedRepo(db *sql.DB) *PostgresTrackedRepo {
	return &PostgresTrackedRepo{db: db}
}

// Get は指定ユーザーの追跡状態を取得する。見つからない場合はnilを返す。
// 行とイベントログは同一スナップショットから読み取る。
func (r *PostgresTrackedRepo) Get(ctx context.Context, userID model.UserID) (*model.TrackedSubject, error) {
	var subject *model.TrackedSubject
	err := r.withTx(ctx, readOnlyTx, "追跡対象の取得に失敗しました", func(tx *sql.Tx) error {
		s, err := scanSubject(tx.QueryRowContext(ctx,
			`SELECT user_id, username, friends, last_checked
			 FROM tracked_subjects WHERE user_id = $1`,
			int64(userID),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		events, err := listEvents(ctx, tx, `WHERE user_id = $1`, int64(userID))
		if err != nil {
			return err
		}
		s.Events = eventsOrEmpty(events[userID])
		subject = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subject, nil
}

// List は全追跡対象を登録順で返す。
// 行とイベントログは同一スナップショットから読み取る。
func (r *PostgresTrackedRepo) List(ctx context.Context) ([]*model.TrackedSubject, error) {
	var subjects []*model.TrackedSubject
	err := r.withTx(ctx, readOnlyTx, "追跡対象一覧の取得に失敗しました", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT user_id, username, friends, last_checked
			 FROM tracked_subjects ORDER BY position ASC`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			subject, err := scanSubject(rows)
			if err != nil {
				return fmt.Errorf("追跡対象の読み取りに失敗: %w", err)
			}
			subjects = append(subjects, subject)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("追跡対象一覧の走査に失敗: %w", err)
		}
		rows.Close()

		events, err := listEvents(ctx, tx, "")
		if err != nil {
			return err
		}
		for _, s := range subjects {
			s.Events = eventsOrEmpty(events[s.UserID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

// Upsert は追跡状態を挿入または置換する。
// 既存行の登録順（position）は維持する。
func (r *PostgresTrackedRepo) Upsert(ctx context.Context, subject *model.TrackedSubject) error {
	friendsJSON, err := marshalFriends(subject.Friends)
	if err != nil {
		return storeError("フレンド一覧のエンコードに失敗しました", err)
	}

	return r.withTx(ctx, nil, "追跡対象の保存に失敗しました", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_subjects (user_id, username, friends, last_checked)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id) DO UPDATE SET
			     username = EXCLUDED.username,
			     friends = EXCLUDED.friends,
			     last_checked = EXCLUDED.last_checked,
			     updated_at = now()`,
			int64(subject.UserID), nullStringPtr(subject.Username), friendsJSON, nullTimePtr(subject.LastChecked),
		); err != nil {
			return err
		}
		return syncEvents(ctx, tx, subject)
	})
}

// Update は保存済みのlast_checkedがprevCheckedと一致する場合にのみ追跡状態を置換する。
// 行が存在しない場合や置き換えられていた場合はmodel.ErrSubjectNotTrackedを返し、何も書き込まない。
func (r *PostgresTrackedRepo) Update(ctx context.Context, subject *model.TrackedSubject, prevChecked *time.Time) error {
	friendsJSON, err := marshalFriends(subject.Friends)
	if err != nil {
		return storeError("フレンド一覧のエンコードに失敗しました", err)
	}

	return r.withTx(ctx, nil, "追跡対象の更新に失敗しました", func(tx *sql.Tx) error {
		// UPDATEで行ロックを取得するため、同一キーへのイベント追記は直列化される
		result, err := tx.ExecContext(ctx,
			`UPDATE tracked_subjects SET
			     username = $2,
			     friends = $3,
			     last_checked = $4,
			     updated_at = now()
			 WHERE user_id = $1 AND last_checked IS NOT DISTINCT FROM $5`,
			int64(subject.UserID), nullStringPtr(subject.Username), friendsJSON,
			nullTimePtr(subject.LastChecked), nullTimePtr(prevChecked),
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return model.ErrSubjectNotTracked
		}
		return syncEvents(ctx, tx, subject)
	})
}

// Remove は追跡状態を削除する。friend_eventsはCASCADE削除される。
// 存在しない場合もエラーにしない。
func (r *PostgresTrackedRepo) Remove(ctx context.Context, userID model.UserID) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM tracked_subjects WHERE user_id = $1`,
		int64(userID),
	); err != nil {
		return storeError("追跡対象の削除に失敗しました", err)
	}
	return nil
}

// readOnlyTx は読み取りを1つのスナップショットで行うためのトランザクション設定。
var readOnlyTx = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// withTx はfnをトランザクション内で実行する。
// ErrSubjectNotTrackedはラップせずにそのまま返す。
func (r *PostgresTrackedRepo) withTx(ctx context.Context, opts *sql.TxOptions, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return storeError(op, fmt.Errorf("トランザクション開始に失敗: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, model.ErrSubjectNotTracked) {
			return err
		}
		return storeError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storeError(op, fmt.Errorf("コミットに失敗: %w", err))
	}
	return nil
}

// syncEvents はイベントログをsubject.Eventsに揃える。
// 保存済みのログが新しいログの先頭と一致する場合は後ろのイベントのみを挿入し、
// それ以外（置換による書き換え）はログ全体を入れ替える。
func syncEvents(ctx context.Context, tx *sql.Tx, subject *model.TrackedSubject) error {
	stored, err := listEvents(ctx, tx, `WHERE user_id = $1`, int64(subject.UserID))
	if err != nil {
		return err
	}
	storedEvents := stored[subject.UserID]

	from := len(storedEvents)
	if !isPrefix(storedEvents, subject.Events) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM friend_events WHERE user_id = $1`,
			int64(subject.UserID),
		); err != nil {
			return fmt.Errorf("イベントの削除に失敗: %w", err)
		}
		from = 0
	}
	if from == len(subject.Events) {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO friend_events
		     (user_id, seq, occurred_at, change_type, friend_id, friend_name, friend_display_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	)
	if err != nil {
		return fmt.Errorf("イベント挿入の準備に失敗: %w", err)
	}
	defer stmt.Close()

	for i := from; i < len(subject.Events); i++ {
		e := subject.Events[i]
		if _, err := stmt.ExecContext(ctx,
			int64(subject.UserID), i+1, e.When, string(e.Type),
			int64(e.Friend.ID), e.Friend.Name, nullString(e.Friend.DisplayName),
		); err != nil {
			return fmt.Errorf("イベントの挿入に失敗: %w", err)
		}
	}
	return nil
}

// isPrefix はstoredがeventsの先頭部分と一致する場合にtrueを返す。
func isPrefix(stored, events []model.ChangeEvent) bool {
	if len(stored) > len(events) {
		return false
	}
	for i := range stored {
		if !sameEvent(stored[i], events[i]) {
			return false
		}
	}
	return true
}

// sameEvent は2つのイベントが同一か判定する。
// timestamptzはマイクロ秒精度のため、時刻は1マイクロ秒未満の差を同一とみなす。
func sameEvent(a, b model.ChangeEvent) bool {
	d := a.When.Sub(b.When)
	return d > -time.Microsecond && d < time.Microsecond &&
		a.Type == b.Type &&
		a.Friend == b.Friend
}

// listEvents はイベントログをユーザーごとにseq順で取得する。
func listEvents(ctx context.Context, tx *sql.Tx, where string, args ...any) (map[model.UserID][]model.ChangeEvent, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT user_id, occurred_at, change_type, friend_id, friend_name, friend_display_name
		 FROM friend_events `+where+`
		 ORDER BY user_id, seq ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントログの取得に失敗: %w", err)
	}
	defer rows.Close()

	events := make(map[model.UserID][]model.ChangeEvent)
	for rows.Next() {
		var (
			userID, friendID int64
			e                model.ChangeEvent
			changeType       string
			displayName      sql.NullString
		)
		if err := rows.Scan(&userID, &e.When, &changeType, &friendID, &e.Friend.Name, &displayName); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		e.When = e.When.UTC()
		e.Type = model.ChangeType(changeType)
		e.Friend.ID = model.UserID(friendID)
		e.Friend.DisplayName = nullStringValue(displayName)
		events[model.UserID(userID)] = append(events[model.UserID(userID)], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントログの走査に失敗: %w", err)
	}

	return events, nil
}

func eventsOrEmpty(events []model.ChangeEvent) []model.ChangeEvent {
	if events == nil {
		return []model.ChangeEvent{}
	}
	return events
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*model.TrackedSubject, error) {
	var (
		userID      int64
		username    sql.NullString
		friendsJSON []byte
		lastChecked sql.NullTime
	)
	if err := row.Scan(&userID, &username, &friendsJSON, &lastChecked); err != nil {
		return nil, err
	}

	subject := &model.TrackedSubject{
		UserID:  model.UserID(userID),
		Friends: []model.FriendRecord{},
	}
	if username.Valid {
		name := username.String
		subject.Username = &name
	}
	if lastChecked.Valid {
		t := lastChecked.Time.UTC()
		subject.LastChecked = &t
	}
	if len(friendsJSON) > 0 {
		if err := json.Unmarshal(friendsJSON, &subject.Friends); err != nil {
			return nil, fmt.Errorf("フレンド一覧のデコードに失敗: %w", err)
		}
	}
	return subject, nil
}

func marshalFriends(friends []model.FriendRecord) ([]byte, error) {
	if friends == nil {
		friends = []model.FriendRecord{}
	}
	return json.Marshal(friends)
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringPtr はnilポインタをNULLとして扱う。
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ TrackedRepository = (*PostgresTrackedRepo)(nil)
