// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APIKeyHash string // bcryptでハッシュ化されたAPIキー

	// ファイル制限
	MaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages         int   // 単一ファイルの最大ページ数（0で無制限）
	JobExpireMinutes int   // ジョブの有効期限（分）

	// キュー設定
	QueueRedisURL string // ブローカー兼ジョブストア用Redis接続URL
	WorkQueue     string // 作業キュー名（ルーティングキー）
	ChunkSize     int    // 1チャンクあたりの最大ページ数

	// ストレージ設定（ディレクトリパスまたは gs:// s3:// file:// mem:// のURL）
	DataStore   string // アップロードファイルの保存先
	OutputStore string // チャンク成果物・マージ結果の保存先

	// ワーカー設定
	WorkerID          string        // 処理中メッセージを識別するコンシューマID
	WorkerConcurrency int           // 処理ゴルーチン数
	TaskQueueSize     int           // 受信タスクキューの容量
	ResultQueueSize   int           // 結果キューの容量
	PollInterval      time.Duration // プロトコルループの待機間隔
	ReceiveWait       time.Duration // 1回の受信で待つ最大時間
	HeartbeatInterval time.Duration // ブローカーへのハートビート間隔

	// 再接続設定
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	// 変換処理設定
	ProcessorCommand string // 外部変換コマンド（空なら内蔵のアウトライン処理）

	// 観測設定
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	hostname, _ := os.Hostname()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		APIKeyHash: getEnv("API_KEY_HASH", ""),

		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 209715200), // 200MB
		MaxPages:         getEnvAsInt("MAX_PAGES", 0),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 1440),

		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkQueue:     getEnv("WORK_QUEUE", "marker_queue"),
		ChunkSize:     getEnvAsInt("CHUNK_SIZE", 32),

		DataStore:   getEnv("DATA_STORE", "/data"),
		OutputStore: getEnv("OUTPUT_STORE", "/output"),

		WorkerID:          getEnv("WORKER_ID", hostname),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 1),
		TaskQueueSize:     getEnvAsInt("TASK_QUEUE_SIZE", 50),
		ResultQueueSize:   getEnvAsInt("RESULT_QUEUE_SIZE", 50),
		PollInterval:      getEnvAsMillis("POLL_INTERVAL_MS", 500),
		ReceiveWait:       getEnvAsMillis("RECEIVE_WAIT_MS", 1000),
		HeartbeatInterval: time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 10)) * time.Second,

		ReconnectAttempts: getEnvAsInt("RECONNECT_ATTEMPTS", 10),
		ReconnectDelay:    getEnvAsMillis("RECONNECT_DELAY_MS", 2000),
		ReconnectMaxDelay: getEnvAsMillis("RECONNECT_MAX_DELAY_MS", 10000),

		ProcessorCommand: getEnv("PROCESSOR_COMMAND", ""),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}

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
	if c.ChunkSize < 1 {
		return fmt.Errorf("CHUNK_SIZE must be >= 1 (got %d)", c.ChunkSize)
	}
	if c.TaskQueueSize < 1 {
		return fmt.Errorf("TASK_QUEUE_SIZE must be >= 1 (got %d)", c.TaskQueueSize)
	}
	if c.ResultQueueSize < 1 {
		return fmt.Errorf("RESULT_QUEUE_SIZE must be >= 1 (got %d)", c.ResultQueueSize)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1 (got %d)", c.WorkerConcurrency)
	}
	if c.WorkQueue == "" {
		return fmt.Errorf("WORK_QUEUE is required")
	}
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}

	// ローカル開発ではAPIキーは任意
	if c.GinMode == "release" {
		if c.APIKeyHash == "" {
			return fmt.Errorf("API_KEY_HASH is required in release mode")
		}
		if c.WorkerID == "" {
			return fmt.Errorf("WORKER_ID is required in release mode")
		}
	}

	return nil
}

// JobTTL はジョブの保持期間を返します。
func (c *Config) JobTTL() time.Duration {
	if c.JobExpireMinutes <= 0 {
		return 0
	}
	return time.Duration(c.JobExpireMinutes) * time.Minute
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

// getEnvAsMillis はミリ秒指定の環境変数を Duration として取得します。
func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
