// Package analysis は財務ドキュメントの解析機能（AI解析パイプライン）を提供します。
// 呼び出し側からは「ドキュメントテキストとクエリを受け取り結果テキストを返す」
// 単一のインターフェースとしてのみ見えます。
package analysis

import (
	"context"
	"fmt"
)

// ProgressFunc は解析の進捗報告用コールバックです。nil の場合は報告しません。
type ProgressFunc func(stage string, percent int)

// Analyzer は解析ケイパビリティのインターフェースです。
type Analyzer interface {
	Analyze(ctx context.Context, documentText, query string, report ProgressFunc) (string, error)
}

// Error は解析失敗（ExecutionFailure）を分類したエラーです。
type Error struct {
	Code    string // RATE_LIMITED / AUTH_FAILED / ANALYSIS_FAILED
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func reportProgress(cb ProgressFunc, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}
