package jobs

import (
	"time"

	"github.com/yourusername/paper-relay/internal/results"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は投入されたジョブの台帳です。進捗そのものは出力ストアから判定します。
type Record struct {
	JobID        string     `json:"jobId"`
	SourceName   string     `json:"sourceName"`
	StoredName   string     `json:"storedName"`
	TotalPages   int        `json:"totalPages"`
	NumChunks    int        `json:"numChunks"`
	PageRange    string     `json:"pageRange,omitempty"`
	OutputFormat string     `json:"outputFormat"`
	Dispatched   int        `json:"dispatched"`
	Error        *ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// Upload は投入されたファイルとその処理設定です。
type Upload struct {
	Filename string
	Size     int64
	Data     []byte
	Config   string // JSON オブジェクト。空なら {}
}

// JobStatus は状態 API の応答です。
type JobStatus struct {
	JobID      string         `json:"file_id"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Result     *string        `json:"result,omitempty"`
	Format     string         `json:"format,omitempty"`
	Images     []string       `json:"images,omitempty"`
	WorkerInfo *results.WorkerSummary `json:"worker_info,omitempty"`
	Record     *Record        `json:"job,omitempty"`
}
