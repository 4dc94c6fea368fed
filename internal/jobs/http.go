package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-relay/internal/results"
)

// JobService はハンドラーが利用するジョブ操作です。Service が実装します。
type JobService interface {
	Submit(ctx context.Context, upload Upload) (string, error)
	Status(ctx context.Context, jobID string) (*results.Status, *Record, error)
	ReadFile(ctx context.Context, jobID, name string) ([]byte, error)
	Clear(ctx context.Context, jobID string) error
}

// RegisterRoutes はジョブ API を登録します。
func RegisterRoutes(r gin.IRoutes, svc JobService, maxFileSize int64) {
	r.POST("/jobs", SubmitHandler(svc, maxFileSize))
	r.GET("/jobs/:id", StatusHandler(svc))
	r.GET("/jobs/:id/files/:name", FileHandler(svc))
	r.DELETE("/jobs/:id", ClearHandler(svc))
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
// multipart/form-data の file に PDF、config に処理設定（JSON）を受け取ります。
func SubmitHandler(svc JobService, maxFileSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data の file にPDFファイルを指定してください。",
			})
			return
		}
		if maxFileSize > 0 && file.Size > maxFileSize {
			respondWithError(c, newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", maxFileSize/(1024*1024)), nil))
			return
		}

		f, err := file.Open()
		if err != nil {
			respondWithError(c, fmt.Errorf("open upload: %w", err))
			return
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			respondWithError(c, fmt.Errorf("read upload: %w", err))
			return
		}

		id, err := svc.Submit(c.Request.Context(), Upload{
			Filename: file.Filename,
			Size:     file.Size,
			Data:     data,
			Config:   c.PostForm("config"),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"file_id": id})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
// download=true の場合、完了済みなら結合結果・画像・ワーカー計測値も返します。
func StatusHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		st, record, err := svc.Status(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		resp := JobStatus{
			JobID:  jobID,
			Status: string(st.State),
			Error:  st.Error,
			Record: record,
		}
		if st.State == results.StateDone {
			resp.Format = st.Ext
			if c.Query("download") == "true" {
				result := st.Result
				resp.Result = &result
				resp.Images = imageURLs(jobID, st.Images)
				resp.WorkerInfo = st.Worker
				if resp.WorkerInfo == nil {
					resp.WorkerInfo = &results.WorkerSummary{}
				}
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// FileHandler は GET /api/jobs/:id/files/:name のハンドラーを返します。
func FileHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := svc.ReadFile(c.Request.Context(), c.Param("id"), c.Param("name"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.Header("Cache-Control", "private, max-age=300")
		c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
	}
}

// ClearHandler は DELETE /api/jobs/:id のハンドラーを返します。
func ClearHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if err := svc.Clear(c.Request.Context(), jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"file_id": jobID, "status": "cleared"})
	}
}

func imageURLs(jobID string, names []string) []string {
	urls := make([]string, 0, len(names))
	for _, name := range names {
		urls = append(urls, fmt.Sprintf("/api/jobs/%s/files/%s", url.PathEscape(jobID), url.PathEscape(name)))
	}
	return urls
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	var mergeErr *results.MergeFormatError
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "QUEUE_UNAVAILABLE":
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, ErrJobNotFound), errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたジョブまたはファイルが見つかりません。",
		})
	case errors.As(err, &mergeErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "MERGE_FAILED",
			"message": "処理結果の結合に失敗しました。",
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
