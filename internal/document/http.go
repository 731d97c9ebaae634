package document

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/findoc-analyzer/internal/analysis"
)

// AnalyzeService は受付検証とジョブ準備を提供するサービスが実装します。
type AnalyzeService interface {
	PrepareAnalysisJob(ctx context.Context, file *multipart.FileHeader, query string) (*JobManifest, error)
	ExtractJobText(ctx context.Context, jobID string) (string, error)
	DiscardJob(jobID string) error
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, manifest *JobManifest) error
}

// AnalyzeHandler は POST /api/analyze（同期解析）のハンドラーを返します。
// キューを経由せず、このリクエストの中で抽出と解析まで実行します。
// ジョブレコードは作成しません。
func AnalyzeHandler(svc AnalyzeService, analyzer analysis.Analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractUploadFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		query := NormalizeQuery(c.PostForm("query"))

		manifest, err := svc.PrepareAnalysisJob(c.Request.Context(), file, query)
		if err != nil {
			respondWithError(c, err)
			return
		}
		// 同期パスではレスポンス返却までにワークスペースを必ず破棄する
		defer func() {
			_ = svc.DiscardJob(manifest.JobID)
		}()

		text, err := svc.ExtractJobText(c.Request.Context(), manifest.JobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		result, err := analyzer.Analyze(c.Request.Context(), text, manifest.Query, nil)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":         "success",
			"query":          manifest.Query,
			"analysis":       result,
			"fileProcessed":  manifest.File.OriginalName,
			"fileSizeBytes":  manifest.File.Size,
			"processingMode": "synchronous",
		})
	}
}

// AnalyzeAsyncHandler は POST /api/analyze/async のハンドラーを返します。
// 検証とジョブ作成のみ行い、jobId を即座に返します。
func AnalyzeAsyncHandler(svc AnalyzeService, scheduler JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractUploadFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		query := NormalizeQuery(c.PostForm("query"))

		manifest, err := svc.PrepareAnalysisJob(c.Request.Context(), file, query)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if err := scheduler.Schedule(c.Request.Context(), manifest); err != nil {
			// 投入に失敗したジョブのファイルは残さない
			if cleanupErr := svc.DiscardJob(manifest.JobID); cleanupErr != nil {
				err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":          manifest.JobID,
			"status":         "queued",
			"fileProcessed":  manifest.File.OriginalName,
			"fileSizeBytes":  manifest.File.Size,
			"statusEndpoint": fmt.Sprintf("/api/jobs/%s", manifest.JobID),
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var docErr *Error
	var anaErr *analysis.Error
	switch {
	case errors.As(err, &docErr):
		status := http.StatusBadRequest
		if docErr.Code == "FILE_TOO_LARGE" {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    docErr.Code,
			"message": docErr.Message,
		})
	case errors.As(err, &anaErr):
		status := http.StatusBadGateway
		switch anaErr.Code {
		case "RATE_LIMITED":
			status = http.StatusTooManyRequests
		case "AUTH_FAILED":
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":    anaErr.Code,
			"message": anaErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractUploadFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("PDFファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	if files := form.File["files"]; len(files) > 0 {
		return files[0], nil
	}
	return nil, errors.New("PDFファイルを選択してください。")
}
