// Package jobs は解析ジョブのライフサイクル管理機能を提供します。
package jobs

import (
	"errors"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "in_progress"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound は存在しないジョブIDを照会した場合に返されます。
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition は状態不変条件に違反する更新を表します。
	// 正しいコントローラーからは発生しない内部異常であり、発生時は
	// 保存済みレコードを変更せずに失敗させます。
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Terminal はそれ以上遷移できない状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition は s から next への遷移が許可されているかを返します。
// 許可される遷移は queued → in_progress → {succeeded | failed} と、
// queued からの直接の失敗のみです。同一状態への更新（進捗更新など）は
// 終端状態でない限り許可されます。
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusQueued || next == StatusRunning || next == StatusSucceeded || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next == StatusSucceeded || next == StatusFailed
	default:
		return false
	}
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string       `json:"jobId"`
	Status      Status       `json:"status"`
	Progress    ProgressInfo `json:"progress"`
	Query       string       `json:"query"`
	FileName    string       `json:"fileName"`
	FileSize    int64        `json:"fileSize"`
	Result      string       `json:"result,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	ExpiresAt   time.Time    `json:"expiresAt,omitempty"`
}
