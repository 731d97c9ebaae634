// Package document は財務ドキュメントの受付検証・保存・テキスト抽出を提供します。
package document

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const (
	storedDocumentName = "document.pdf"

	// DefaultQuery はクエリ未指定時に使用する解析リクエストです。
	DefaultQuery = "Analyze this financial document for investment insights"
)

// Service はアップロードされたPDFの検証と一時保存を担います。
type Service struct {
	dataDir     string
	maxFileSize int64
	now         func() time.Time
}

// NewService は Service を作成します。
func NewService(dataDir string, maxFileSize int64) *Service {
	return &Service{
		dataDir:     dataDir,
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// NormalizeQuery は空のクエリをデフォルトの解析リクエストに置き換えます。
func NormalizeQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return DefaultQuery
	}
	return query
}

// PrepareAnalysisJob はアップロードを検証し、ジョブ専用ワークスペースへ
// 保存してマニフェストを書き出します。受理された時点でファイルの所有権は
// ジョブに移り、処理完了時に（成功・失敗を問わず）削除されます。
func (s *Service) PrepareAnalysisJob(ctx context.Context, file *multipart.FileHeader, query string) (*JobManifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError("INVALID_INPUT", "PDFファイルを選択してください。", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	ws, err := s.createWorkspace(jobID)
	if err != nil {
		return nil, err
	}

	stored, err := s.storeMultipartFile(ctx, file, ws)
	if err != nil {
		_ = removeDir(ws.dir)
		return nil, err
	}

	manifest := &JobManifest{
		JobID:     jobID,
		Query:     NormalizeQuery(query),
		File:      stored,
		CreatedAt: s.now().UTC(),
	}
	if err := writeManifest(ws.dir, manifest); err != nil {
		_ = removeDir(ws.dir)
		return nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}

	return manifest, nil
}

// LoadJob はジョブIDに対応するマニフェストを読み込みます。
func (s *Service) LoadJob(jobID string) (*JobManifest, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	return loadManifest(s.workspaceFor(jobID).dir)
}

// ExtractJobText はジョブの入力PDFからテキストを抽出します。
func (s *Service) ExtractJobText(ctx context.Context, jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("jobID is required")
	}
	return extractText(ctx, s.workspaceFor(jobID).documentPath())
}

// DiscardJob はジョブのワークスペースを削除します。
// 処理の成否にかかわらず、ジョブ終了時に必ず呼ばれます。
func (s *Service) DiscardJob(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("jobID is required")
	}
	return removeDir(s.workspaceFor(jobID).dir)
}

// storeMultipartFile はアップロードを検証しながらワークスペースへ保存します。
// 検証順序: サイズ上限 → 宣言フォーマット → 空ファイル → 実コンテンツ。
func (s *Service) storeMultipartFile(ctx context.Context, file *multipart.FileHeader, ws workspace) (JobFile, error) {
	if s.maxFileSize > 0 && file.Size > s.maxFileSize {
		return JobFile{}, newError("FILE_TOO_LARGE",
			fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", s.maxFileSize), nil)
	}

	originalName := filepath.Base(file.Filename)
	if !strings.EqualFold(filepath.Ext(originalName), ".pdf") {
		return JobFile{}, newError("UNSUPPORTED_FORMAT",
			fmt.Sprintf("'%s' は対応していない形式です。PDFファイルのみ受け付けます。", originalName), nil)
	}

	if file.Size == 0 {
		return JobFile{}, newError("EMPTY_FILE", "アップロードされたファイルが空です。", nil)
	}

	src, err := file.Open()
	if err != nil {
		return JobFile{}, newError("INVALID_INPUT", "アップロードファイルの読み込みに失敗しました。", err)
	}
	defer src.Close()

	// 保存先はジョブIDから導出した固定名。呼び出し側のファイル名は使わない
	destPath := ws.documentPath()
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return JobFile{}, fmt.Errorf("failed to create stored file: %w", err)
	}

	written, copyErr := io.Copy(dest, src)
	closeErr := dest.Close()
	if copyErr != nil {
		return JobFile{}, newError("INVALID_INPUT", "アップロードファイルの保存に失敗しました。", copyErr)
	}
	if closeErr != nil {
		return JobFile{}, fmt.Errorf("failed to close stored file: %w", closeErr)
	}
	if written == 0 {
		return JobFile{}, newError("EMPTY_FILE", "アップロードされたファイルが空です。", nil)
	}

	if err := ctx.Err(); err != nil {
		return JobFile{}, err
	}

	// 拡張子だけでなく実際の内容もPDFであることを確認する
	mtype, err := mimetype.DetectFile(destPath)
	if err != nil {
		return JobFile{}, fmt.Errorf("failed to detect content type: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return JobFile{}, newError("UNSUPPORTED_FORMAT",
			fmt.Sprintf("ファイル内容がPDFではありません（検出: %s）。", mtype.String()), nil)
	}

	pages, err := pdfapi.PageCountFile(destPath)
	if err != nil {
		return JobFile{}, newError("UNSUPPORTED_PDF",
			"PDFの解析に失敗しました。ファイルが破損または暗号化されていないか確認してください。", err)
	}

	return JobFile{
		StoredName:   storedDocumentName,
		OriginalName: originalName,
		Size:         written,
		Pages:        pages,
	}, nil
}
