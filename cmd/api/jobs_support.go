package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/findoc-analyzer/internal/analysis"
	"github.com/yourusername/findoc-analyzer/internal/config"
	"github.com/yourusername/findoc-analyzer/internal/document"
	"github.com/yourusername/findoc-analyzer/internal/jobs"
)

// jobDeps はジョブ関連の依存をまとめて保持します。
type jobDeps struct {
	redisClient *redis.Client
	store       *jobs.Store
	history     *jobs.History
	manager     *jobs.Manager
}

// Close は保持しているリソースを解放します。
func (d *jobDeps) Close() {
	if d.manager != nil {
		_ = d.manager.Shutdown(context.Background())
	}
	if d.history != nil {
		_ = d.history.Close()
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
}

func setupJobs(cfg *config.Config, docService *document.Service, analyzer analysis.Analyzer) (*jobDeps, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)

	history, err := jobs.NewHistory(cfg.HistoryDBPath)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(cfg.QueueRedisURL, cfg.WorkerConcurrency, docService, analyzer, store, history, log.Default())
	if err != nil {
		_ = history.Close()
		_ = redisClient.Close()
		return nil, err
	}

	return &jobDeps{
		redisClient: redisClient,
		store:       store,
		history:     history,
		manager:     manager,
	}, nil
}

// setupAnalyzer は解析ケイパビリティを構築します。APIキーが未設定の場合、
// 解析リクエストが利用不可エラーを返すスタブに差し替えます（元システムは
// 起動を止めずに解析のみ503を返す挙動）。
func setupAnalyzer(ctx context.Context, cfg *config.Config) (analysis.Analyzer, func(), error) {
	if cfg.GeminiAPIKey == "" {
		log.Printf("Warning: GEMINI_API_KEY not set - AI analysis will be unavailable")
		return unavailableAnalyzer{}, func() {}, nil
	}

	client, err := analysis.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return analysis.NewPipeline(client), cleanup, nil
}

// unavailableAnalyzer はAPIキー未設定時のプレースホルダーです。
type unavailableAnalyzer struct{}

func (unavailableAnalyzer) Analyze(ctx context.Context, documentText, query string, report analysis.ProgressFunc) (string, error) {
	return "", &analysis.Error{
		Code:    "AUTH_FAILED",
		Message: "AI解析は利用できません。GEMINI_API_KEY を設定してください。",
	}
}

// analysisJobScheduler は jobs.Manager を document.JobScheduler に適合させます。
type analysisJobScheduler struct {
	manager *jobs.Manager
}

func (s *analysisJobScheduler) Schedule(ctx context.Context, manifest *document.JobManifest) error {
	_, err := s.manager.Enqueue(ctx, manifest)
	return err
}

// jobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
// 終端状態のジョブは何度照会しても同じスナップショットを返します。
func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		payload := gin.H{
			"jobId":  record.JobID,
			"status": record.Status,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"stage":   record.Progress.Stage,
				"message": record.Progress.Message,
			},
			"query":         record.Query,
			"fileProcessed": record.FileName,
			"fileSizeBytes": record.FileSize,
			"createdAt":     record.CreatedAt,
			"updatedAt":     record.UpdatedAt,
		}
		if record.Result != "" {
			payload["result"] = record.Result
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}
		if record.CompletedAt != nil {
			payload["completedAt"] = record.CompletedAt
		}

		c.JSON(http.StatusOK, payload)
	}
}

// historyGetHandler は GET /api/analyses/:id のハンドラーを返します。
func historyGetHandler(history *jobs.History) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		rec, err := history.GetByJobID(jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "ANALYSIS_NOT_FOUND",
					"message": "指定された解析履歴は存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "解析履歴の取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, rec)
	}
}

// 履歴一覧の1回あたりの最大取得件数
const maxHistoryLimit = 100

// historyListHandler は GET /api/analyses のハンドラーを返します。
func historyListHandler(history *jobs.History) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}

		records, err := history.ListRecent(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "解析履歴の取得に失敗しました。",
			})
			return
		}
		if records == nil {
			records = []*jobs.HistoryRecord{}
		}

		c.JSON(http.StatusOK, gin.H{
			"analyses": records,
			"count":    len(records),
		})
	}
}

// healthHandler は静的なサービス情報を返します。
func healthHandler(cfg *config.Config) gin.HandlerFunc {
	aiStatus := "configured"
	if cfg.GeminiAPIKey == "" {
		aiStatus = "missing"
	}
	authStatus := "disabled"
	if cfg.AuthEnabled() {
		authStatus = "enabled"
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "findoc-analyzer-api",
			"version": "0.1.0",
			"components": gin.H{
				"ai":   aiStatus,
				"auth": authStatus,
			},
		})
	}
}

// readyHandler はストアとキュートランスポートへの実際の到達性を確認します。
func readyHandler(deps *jobDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		components := gin.H{}
		healthy := true

		if err := deps.store.Ping(ctx); err != nil {
			components["store"] = "unavailable"
			healthy = false
		} else {
			components["store"] = "available"
		}

		if err := deps.manager.QueueReachable(ctx); err != nil {
			components["queue"] = "unavailable"
			healthy = false
		} else {
			components["queue"] = "available"
		}

		if err := deps.history.Ping(ctx); err != nil {
			components["history"] = "unavailable"
			healthy = false
		} else {
			components["history"] = "available"
		}

		status := http.StatusOK
		overall := "ready"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{
			"status":     overall,
			"components": components,
		})
	}
}
