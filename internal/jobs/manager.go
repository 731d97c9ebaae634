package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/findoc-analyzer/internal/analysis"
	"github.com/yourusername/findoc-analyzer/internal/document"
)

const (
	taskTypeAnalysis = "analysis:run"
	queueName        = "analysis"
)

// Manager はジョブの投入・実行・状態管理を担います。
// 状態遷移を起こすのはここだけで、APIハンドラーは読み取りしか行いません。
type Manager struct {
	client     *asynq.Client
	server     *asynq.Server
	inspector  *asynq.Inspector
	mux        *asynq.ServeMux
	store      *Store
	history    *History
	docService *document.Service
	analyzer   analysis.Analyzer
	logger     *log.Logger
}

// TaskPayload は解析ジョブのペイロードです。ジョブの実体（ファイル・クエリ）は
// ワークスペースのマニフェストにあるため、キューにはIDだけを流します。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, concurrency int, docService *document.Service, analyzer analysis.Analyzer, store *Store, history *History, logger *log.Logger) (*Manager, error) {
	if docService == nil {
		return nil, errors.New("docService is nil")
	}
	if analyzer == nil {
		return nil, errors.New("analyzer is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if history == nil {
		return nil, errors.New("history is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:     client,
		server:     server,
		inspector:  asynq.NewInspector(opt),
		mux:        mux,
		store:      store,
		history:    history,
		docService: docService,
		analyzer:   analyzer,
		logger:     logger,
	}
	mux.HandleFunc(taskTypeAnalysis, manager.handleAnalysisTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue はジョブレコードと履歴行を queued 状態で作成し、
// 解析タスクをキューに投入します。再試行はキュー側に委ねるためここでは
// 行いません（MaxRetry 0）。
func (m *Manager) Enqueue(ctx context.Context, manifest *document.JobManifest) (string, error) {
	if manifest == nil {
		return "", fmt.Errorf("manifest is nil")
	}
	if manifest.JobID == "" {
		return "", fmt.Errorf("manifest.JobID is required")
	}

	body, err := json.Marshal(&TaskPayload{JobID: manifest.JobID})
	if err != nil {
		return "", err
	}

	record := &Record{
		JobID:    manifest.JobID,
		Query:    manifest.Query,
		FileName: manifest.File.OriginalName,
		FileSize: manifest.File.Size,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return "", err
	}
	if err := m.history.SaveNew(&HistoryRecord{
		JobID:    manifest.JobID,
		FileName: manifest.File.OriginalName,
		FileSize: manifest.File.Size,
		Query:    manifest.Query,
	}); err != nil {
		m.logf("failed to save history row job=%s: %v", manifest.JobID, err)
	}

	task := asynq.NewTask(taskTypeAnalysis, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		// 投入できなかったジョブを queued のまま残すと、キューから終端
		// イベントが来ることは無く永遠に待ち状態に見えてしまう
		m.abortQueuedJob(ctx, manifest.JobID, err)
		return "", err
	}
	return info.ID, nil
}

// abortQueuedJob はキューに届かなかったジョブのレコードと履歴行を
// failed として確定します。
func (m *Manager) abortQueuedJob(ctx context.Context, jobID string, cause error) {
	m.logf("failed to enqueue analysis task job=%s: %v", jobID, cause)

	errInfo := &ErrorInfo{
		Code:    "QUEUE_UNAVAILABLE",
		Message: "解析タスクをキューに投入できませんでした。",
	}
	if err := m.store.MarkFailed(ctx, jobID, errInfo); err != nil {
		m.logTransitionError(jobID, err)
	}
	if err := m.history.MarkFailed(jobID, errInfo.Message, time.Now().UTC()); err != nil {
		m.logf("failed to mark history failed job=%s: %v", jobID, err)
	}
}

// GetRecord はジョブ情報を取得します。Redis のレコードが TTL で消えた後でも、
// 終端状態に達した履歴行があればそこから再構成して返します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hist, histErr := m.history.GetByJobID(jobID)
	if histErr != nil {
		return nil, err // 履歴にも無ければ元の ErrNotFound を返す
	}
	if !hist.Status.Terminal() {
		return nil, err
	}
	return recordFromHistory(hist), nil
}

// QueueReachable はキュートランスポートへの到達性を確認します。
// Inspector の呼び出し自体はデッドラインを受け取れないため、
// ctx の期限が先に切れた場合はそちらのエラーで打ち切ります。
func (m *Manager) QueueReachable(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := m.inspector.Queues()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleAnalysisTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	jobID := payload.JobID

	// 一時ファイルは成功・失敗を問わず必ず削除する
	defer func() {
		if err := m.docService.DiscardJob(jobID); err != nil {
			m.logf("failed to discard workspace job=%s: %v", jobID, err)
		}
	}()

	m.reportProgress(ctx, jobID, 10, "load", "ジョブ情報を読み込んでいます")
	if err := m.history.MarkRunning(jobID); err != nil {
		m.logf("failed to mark history running job=%s: %v", jobID, err)
	}

	manifest, err := m.docService.LoadJob(jobID)
	if err != nil {
		return m.failJob(ctx, jobID, err)
	}

	m.reportProgress(ctx, jobID, 20, "extract", "PDFからテキストを抽出しています")
	text, err := m.docService.ExtractJobText(ctx, jobID)
	if err != nil {
		return m.failJob(ctx, jobID, err)
	}
	m.reportProgress(ctx, jobID, 30, "extract", "テキスト抽出が完了しました")

	result, err := m.analyzer.Analyze(ctx, text, manifest.Query, func(stage string, percent int) {
		m.reportProgress(ctx, jobID, percent, stage, "")
	})
	if err != nil {
		return m.failJob(ctx, jobID, err)
	}

	return m.finishJob(ctx, jobID, result)
}

func (m *Manager) finishJob(ctx context.Context, jobID, result string) error {
	if err := m.store.MarkDone(ctx, jobID, result); err != nil {
		m.logTransitionError(jobID, err)
		return err
	}
	if err := m.history.MarkSucceeded(jobID, result, time.Now().UTC()); err != nil {
		m.logf("failed to mark history succeeded job=%s: %v", jobID, err)
	}
	return nil
}

func (m *Manager) failJob(ctx context.Context, jobID string, cause error) error {
	errInfo := classifyFailure(cause)
	m.logf("analysis job failed job=%s code=%s: %v", jobID, errInfo.Code, cause)

	if err := m.store.MarkFailed(ctx, jobID, errInfo); err != nil {
		m.logTransitionError(jobID, err)
		return err
	}
	if err := m.history.MarkFailed(jobID, errInfo.Message, time.Now().UTC()); err != nil {
		m.logf("failed to mark history failed job=%s: %v", jobID, err)
	}
	return nil
}

// reportProgress は進捗をストアへ書き込みます。queued のジョブは最初の
// 報告で in_progress へ遷移します。書き込み失敗でジョブは止めません。
func (m *Manager) reportProgress(ctx context.Context, jobID string, percent int, stage, message string) {
	err := m.store.UpdateProgress(ctx, jobID, ProgressInfo{
		Percent: percent,
		Stage:   stage,
		Message: message,
	})
	if err != nil {
		m.logTransitionError(jobID, err)
	}
}

// logTransitionError は不変条件違反を通常のストア障害と区別して記録します。
// 違反は既存レコードを壊さないため、ここでは調査用ログのみ残します。
func (m *Manager) logTransitionError(jobID string, err error) {
	if errors.Is(err, ErrInvalidTransition) {
		m.logf("INVARIANT VIOLATION job=%s: %v", jobID, err)
		return
	}
	m.logf("failed to update job record job=%s: %v", jobID, err)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// classifyFailure は失敗原因をジョブレコード用の ErrorInfo に変換します。
func classifyFailure(err error) *ErrorInfo {
	var docErr *document.Error
	if errors.As(err, &docErr) {
		return &ErrorInfo{Code: docErr.Code, Message: docErr.Message}
	}
	var anaErr *analysis.Error
	if errors.As(err, &anaErr) {
		return &ErrorInfo{Code: anaErr.Code, Message: anaErr.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Code: "CANCELED", Message: "処理が中断されました。"}
	}
	return &ErrorInfo{Code: "INTERNAL_ERROR", Message: "解析処理中に内部エラーが発生しました。"}
}

func recordFromHistory(hist *HistoryRecord) *Record {
	record := &Record{
		JobID:       hist.JobID,
		Status:      hist.Status,
		Query:       hist.Query,
		FileName:    hist.FileName,
		FileSize:    hist.FileSize,
		CreatedAt:   hist.CreatedAt,
		UpdatedAt:   hist.CreatedAt,
		CompletedAt: hist.CompletedAt,
	}
	if hist.CompletedAt != nil {
		record.UpdatedAt = *hist.CompletedAt
	}
	switch hist.Status {
	case StatusSucceeded:
		if hist.Result != nil {
			record.Result = *hist.Result
		}
		record.Progress = ProgressInfo{Percent: 100, Stage: "completed"}
	case StatusFailed:
		msg := "解析に失敗しました。"
		if hist.Error != nil {
			msg = *hist.Error
		}
		record.Error = &ErrorInfo{Code: "ANALYSIS_FAILED", Message: msg}
	}
	return record
}
