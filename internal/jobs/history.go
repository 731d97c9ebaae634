package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryRecord は永続化された解析ジョブ1件の履歴を表します。
type HistoryRecord struct {
	JobID       string     `json:"jobId"`
	FileName    string     `json:"fileName"`
	FileSize    int64      `json:"fileSize"`
	Query       string     `json:"query"`
	Status      Status     `json:"status"`
	Result      *string    `json:"result,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// History は解析ジョブの履歴を SQLite に永続化します。
// Redis 上のレコードが TTL で消えた後も、ここの行は残り続けます。
type History struct {
	db *sql.DB
}

// NewHistory は SQLite ファイルを開き、スキーマを初期化します。
func NewHistory(path string) (*History, error) {
	// 並行アクセス時の SQLITE_BUSY を避けるために busy_timeout を設定する
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS analyses (
		job_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveNew は新規ジョブの履歴行を queued 状態で作成します。
func (h *History) SaveNew(rec *HistoryRecord) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if rec.JobID == "" {
		return errors.New("record.JobID is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = StatusQueued

	_, err := h.db.Exec(
		`INSERT INTO analyses (job_id, filename, file_size, query, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.FileName, rec.FileSize, rec.Query, string(rec.Status),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// MarkRunning は履歴行を in_progress に更新します。
func (h *History) MarkRunning(jobID string) error {
	_, err := h.db.Exec(
		`UPDATE analyses SET status = ? WHERE job_id = ? AND status = ?`,
		string(StatusRunning), jobID, string(StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// MarkSucceeded は解析結果を保存し、履歴行を succeeded として確定します。
func (h *History) MarkSucceeded(jobID, result string, completedAt time.Time) error {
	_, err := h.db.Exec(
		`UPDATE analyses
		 SET status = ?, result = ?, error_message = NULL, completed_at = ?
		 WHERE job_id = ?`,
		string(StatusSucceeded), result, completedAt.UTC().Format(time.RFC3339Nano), jobID,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// MarkFailed はエラー内容を保存し、履歴行を failed として確定します。
func (h *History) MarkFailed(jobID, errMsg string, completedAt time.Time) error {
	_, err := h.db.Exec(
		`UPDATE analyses
		 SET status = ?, error_message = ?, result = NULL, completed_at = ?
		 WHERE job_id = ?`,
		string(StatusFailed), errMsg, completedAt.UTC().Format(time.RFC3339Nano), jobID,
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return nil
}

// GetByJobID はジョブIDに対応する履歴行を返します。
// 存在しない場合は ErrNotFound を返します。
func (h *History) GetByJobID(jobID string) (*HistoryRecord, error) {
	row := h.db.QueryRow(
		`SELECT job_id, filename, file_size, query, status, result, error_message, created_at, completed_at
		 FROM analyses WHERE job_id = ?`, jobID)
	return scanHistoryRow(row)
}

// ListRecent は作成日時の新しい順に履歴を返します。
func (h *History) ListRecent(limit int) ([]*HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(
		`SELECT job_id, filename, file_size, query, status, result, error_message, created_at, completed_at
		 FROM analyses ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		rec, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping は履歴DBへの到達性を確認します。
func (h *History) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close はDB接続を閉じます。
func (h *History) Close() error {
	return h.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryRow(row rowScanner) (*HistoryRecord, error) {
	var rec HistoryRecord
	var status string
	var result, errMsg, completed sql.NullString
	var created string

	if err := row.Scan(
		&rec.JobID,
		&rec.FileName,
		&rec.FileSize,
		&rec.Query,
		&status,
		&result,
		&errMsg,
		&created,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan analysis: %w", err)
	}

	rec.Status = Status(status)
	if result.Valid {
		v := result.String
		rec.Result = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.Error = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			rec.CompletedAt = &t
		}
	}

	return &rec, nil
}
