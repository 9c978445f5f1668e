// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // slog のログレベル (debug, info, warn, error)

	// CORS / セッション設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	SessionSecret      string // 履歴クッキー署名用の秘密鍵

	// 保存先
	DataDir string // work/ downloads/ outputs/ を作成するルート

	// サイズ・時間の制限
	MaxUploadSize   int64         // アップロード1件の最大サイズ（バイト）
	MaxDownloadSize int64         // URLから取得するアーカイブの最大サイズ（バイト）
	MaxExtractSize  int64         // 展開後の合計サイズ上限（バイト）
	FetchTimeout    time.Duration // リモート取得のタイムアウト
	JobTimeout      time.Duration // ジョブ1件あたりの処理時間上限

	// ワーカー設定
	Workers         int // 同時に実行するジョブ数
	QueueSize       int // 待機できるジョブ数（超えると QUEUE_FULL）
	DocumentWorkers int // 1ジョブ内で並列に処理するドキュメント数

	// PNG圧縮設定
	MaxImageBytes int64 // 出力PNG1枚あたりのサイズ上限
	QualityStart  int   // 最初に試す品質
	QualityStep   int   // 1回あたりに下げる品質
	QualityFloor  int   // 品質の下限

	// Redis / ジョブ設定
	RedisURL         string // ジョブ状態を Redis に保存する場合の接続URL（空ならメモリ）
	QueueRedisURL    string // Asynq用Redis接続URL（空ならプロセス内ワーカー）
	JobExpireMinutes int    // Redis上のジョブ情報の保持期間（分）
	JobResultBaseURL string // 結果ファイル取得用のベースURL
	CleanupWorkspace bool   // パッケージ後に作業ディレクトリを削除するか
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS / セッション設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),

		DataDir: getEnv("DATA_DIR", "data"),

		// サイズ・時間の制限
		MaxUploadSize:   getEnvAsInt64("MAX_UPLOAD_SIZE", 512*1024*1024),     // 512MB
		MaxDownloadSize: getEnvAsInt64("MAX_DOWNLOAD_SIZE", 2*1024*1024*1024), // 2GB
		MaxExtractSize:  getEnvAsInt64("MAX_EXTRACT_SIZE", 8*1024*1024*1024),  // 8GB
		FetchTimeout:    getEnvAsDuration("FETCH_TIMEOUT", 10*time.Minute),
		JobTimeout:      getEnvAsDuration("JOB_TIMEOUT", time.Hour),

		// ワーカー設定
		Workers:         getEnvAsInt("WORKERS", 4),
		QueueSize:       getEnvAsInt("QUEUE_SIZE", 64),
		DocumentWorkers: getEnvAsInt("DOCUMENT_WORKERS", 2),

		// PNG圧縮設定
		MaxImageBytes: getEnvAsInt64("MAX_IMAGE_BYTES", 5*1024*1024), // 5MB
		QualityStart:  getEnvAsInt("QUALITY_START", 100),
		QualityStep:   getEnvAsInt("QUALITY_STEP", 10),
		QualityFloor:  getEnvAsInt("QUALITY_FLOOR", 10),

		// Redis / ジョブ設定
		RedisURL:         getEnv("REDIS_URL", ""),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", ""),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 24*60),
		JobResultBaseURL: getEnv("JOB_RESULT_BASE_URL", ""),
		CleanupWorkspace: getEnvAsBool("CLEANUP_WORKSPACE", false),
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
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive (got %d)", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive (got %d)", c.QueueSize)
	}
	if c.DocumentWorkers <= 0 {
		return fmt.Errorf("DOCUMENT_WORKERS must be positive (got %d)", c.DocumentWorkers)
	}
	if c.QualityFloor <= 0 || c.QualityStart > 100 || c.QualityFloor > c.QualityStart {
		return fmt.Errorf("quality range must satisfy 0 < QUALITY_FLOOR <= QUALITY_START <= 100 (got %d..%d)", c.QualityFloor, c.QualityStart)
	}
	if c.QualityStep <= 0 {
		return fmt.Errorf("QUALITY_STEP must be positive (got %d)", c.QualityStep)
	}

	// ローカル開発ではセッション鍵は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
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

// getEnvAsDuration は "90s" や "10m" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
