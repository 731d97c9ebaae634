// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ファイル保存設定
	DataDir string // アップロードファイルの一時保存先ディレクトリ

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynqおよびジョブ状態保存用のRedis接続URL
	JobExpireMinutes  int    // Redis上のジョブレコードの有効期限（分）
	WorkerConcurrency int    // 解析ワーカーの並列数

	// 履歴DB設定
	HistoryDBPath string // 解析履歴を保存するSQLiteファイルのパス

	// AI解析設定
	GeminiAPIKey string // Gemini APIキー（未設定の場合は解析不可）
	GeminiModel  string // 使用するGeminiモデル名

	// 認証設定（未設定の場合は認証なしで公開）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB

		// ファイル保存設定
		DataDir: getEnv("DATA_DIR", "data"),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 60),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// 履歴DB設定
		HistoryDBPath: getEnv("HISTORY_DB_PATH", "analysis.db"),

		// AI解析設定
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),

		// 認証設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}

	// 認証は任意だが、設定するなら3点セットで揃っている必要がある
	if c.AuthEnabled() {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required when auth is configured")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when auth is configured")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required when auth is configured")
		}
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required in release mode")
		}
	}

	return nil
}

// AuthEnabled は認証設定が一つでも与えられているかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" || c.AppPasswordHash != "" || c.SessionSecret != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
