// Package api は HTTP エンドポイントを提供します。
package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/layer-forge/internal/history"
	"github.com/yourusername/layer-forge/internal/jobs"
)

//go:embed web/index.html
var indexHTML []byte

const (
	mimePSD = "image/vnd.adobe.photoshop"
	mimeZIP = "application/zip"

	retryAfterSeconds = 30
)

// Service はハンドラーが利用するジョブ操作です。
type Service interface {
	SubmitURL(ctx context.Context, rawURL string) (string, error)
	SubmitArchive(ctx context.Context, r io.Reader, name string) (string, error)
	Status(ctx context.Context, jobID string) (*jobs.Record, error)
	OpenResult(ctx context.Context, jobID string) (*jobs.Record, *os.File, error)
	ExportDocument(ctx context.Context, r io.Reader, name string) (*jobs.DocumentResult, error)
}

// Handler はルーティング対象のハンドラー群です。
type Handler struct {
	service   Service
	history   *history.Tracker
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler は Handler を作成します。tracker が nil の場合は履歴を記録しません。
func NewHandler(service Service, tracker *history.Tracker, maxUpload int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, history: tracker, maxUpload: maxUpload, logger: logger}
}

// Register はルートを登録します。
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/", h.index)
	r.POST("/process_url", h.processURL)
	r.POST("/upload", h.upload)
	r.GET("/status/:task_id", h.status)
	r.GET("/download/:task_id", h.download)
	if h.history != nil {
		r.GET("/api/history", h.history.List)
	}
}

func (h *Handler) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

type processURLRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) processURL(c *gin.Context) {
	var req processURLRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INPUT",
			"error": "url を指定してください。",
		})
		return
	}

	taskID, err := h.service.SubmitURL(c.Request.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	h.remember(c, taskID)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (h *Handler) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INPUT",
			"error": "ファイルを選択してください。",
		})
		return
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":  jobs.CodeUploadTooLarge,
			"error": fmt.Sprintf("アップロードできるのは %s までです。", humanize.IBytes(uint64(h.maxUpload))),
		})
		return
	}

	file, err := fh.Open()
	if err != nil {
		h.respondWithError(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer file.Close()

	mt, err := mimetype.DetectReader(file)
	if err != nil {
		h.respondWithError(c, fmt.Errorf("detect upload type: %w", err))
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.respondWithError(c, fmt.Errorf("rewind upload: %w", err))
		return
	}

	switch {
	case mt.Is(mimePSD):
		h.exportDocument(c, file, fh.Filename)
	case isZip(mt):
		taskID, err := h.service.SubmitArchive(c.Request.Context(), file, fh.Filename)
		if err != nil {
			h.respondWithError(c, err)
			return
		}
		h.remember(c, taskID)
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"code":  "UNSUPPORTED_MEDIA_TYPE",
			"error": fmt.Sprintf("PSD または ZIP ファイルをアップロードしてください。(検出: %s)", mt.String()),
		})
	}
}

func (h *Handler) exportDocument(c *gin.Context, r io.Reader, name string) {
	result, err := h.service.ExportDocument(c.Request.Context(), r, name)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			h.logger.Warn("cleanup failed", "job_id", result.JobID, "error", err)
		}
	}()

	file, err := os.Open(result.OutputPath)
	if err != nil {
		h.respondWithError(c, fmt.Errorf("open result: %w", err))
		return
	}
	defer file.Close()

	setAttachment(c, result.OutputFilename)
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.JobID)
	c.DataFromReader(http.StatusOK, result.OutputSize, mimeZIP, file, nil)
}

func (h *Handler) status(c *gin.Context) {
	taskID := c.Param("task_id")
	record, err := h.service.Status(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"task_id": taskID, "status": "not_found"})
			return
		}
		h.respondWithError(c, err)
		return
	}

	payload := gin.H{
		"task_id":  record.JobID,
		"status":   record.Status,
		"progress": record.Progress.Percent,
		"stage":    record.Progress.Stage,
	}
	if record.Error != nil {
		payload["error"] = record.Error.Message
		payload["error_code"] = record.Error.Code
	}
	if record.Summary != nil {
		payload["summary"] = record.Summary
	}
	if record.DownloadURL != "" {
		payload["download_url"] = record.DownloadURL
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) download(c *gin.Context) {
	taskID := c.Param("task_id")
	record, file, err := h.service.OpenResult(c.Request.Context(), taskID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	case errors.Is(err, jobs.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "Not ready"})
		return
	case err != nil:
		h.respondWithError(c, err)
		return
	}
	defer file.Close()

	if record.Checksum != "" {
		etag := strconv.Quote(record.Checksum)
		c.Header("ETag", etag)
		if match := c.GetHeader("If-None-Match"); match != "" && strings.Contains(match, etag) {
			c.Status(http.StatusNotModified)
			return
		}
	}

	size := record.ResultSize
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}
	setAttachment(c, record.JobID+".zip")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Job-Id", record.JobID)
	c.DataFromReader(http.StatusOK, size, mimeZIP, file, nil)
}

func (h *Handler) remember(c *gin.Context, taskID string) {
	if h.history == nil {
		return
	}
	if err := h.history.Remember(c, taskID); err != nil {
		h.logger.Warn("failed to save history", "task_id", taskID, "error", err)
	}
}

// respondWithError はエラーを HTTP レスポンスに変換します。
func (h *Handler) respondWithError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	switch {
	case errors.As(err, &jobErr):
		status := statusForCode(jobErr.Code)
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed", "code", jobErr.Code, "error", err)
		}
		c.JSON(status, gin.H{
			"code":  jobErr.Code,
			"error": jobErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":  "REQUEST_CANCELED",
			"error": "リクエストがキャンセルされました。",
		})
	default:
		h.logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  jobs.CodeInternal,
			"error": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case jobs.CodeFetchFailed:
		return http.StatusBadGateway
	case jobs.CodeQueueFull:
		return http.StatusServiceUnavailable
	case jobs.CodeUploadTooLarge, jobs.CodeArchiveTooLarge:
		return http.StatusRequestEntityTooLarge
	case jobs.CodeInvalidDocument, jobs.CodeInvalidArchive:
		return http.StatusUnprocessableEntity
	case jobs.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isZip(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(mimeZIP) {
			return true
		}
	}
	return false
}

func setAttachment(c *gin.Context, filename string) {
	filename = filepath.Base(filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
}
