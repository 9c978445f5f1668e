package jobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/yourusername/layer-forge/internal/archive"
	"github.com/yourusername/layer-forge/internal/export"
	"github.com/yourusername/layer-forge/internal/fetch"
	"github.com/yourusername/layer-forge/internal/storage"
)

// 進捗の区切り
const (
	progressExtractStart = 5
	progressExportStart  = 15
	progressPackageStart = 90
	progressPackageEnd   = 99
)

// Options は Manager の動作設定です。
type Options struct {
	JobTimeout       time.Duration
	CleanupWorkspace bool
	ResultBaseURL    string
	ExtractLimits    archive.Limits
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	registry   Registry
	dispatcher Dispatcher
	store      *storage.Local
	fetcher    *fetch.Fetcher
	batch      *export.Batch
	opts       Options
	logger     *slog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(registry Registry, dispatcher Dispatcher, store *storage.Local, fetcher *fetch.Fetcher, batch *export.Batch, opts Options, logger *slog.Logger) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if batch == nil {
		return nil, errors.New("batch is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		fetcher:    fetcher,
		batch:      batch,
		opts:       opts,
		logger:     logger,
	}, nil
}

// StartWorkers はディスパッチャのワーカーを起動します。
func (m *Manager) StartWorkers() error {
	return m.dispatcher.Start(m.handleTask)
}

// Shutdown はディスパッチャを停止します。
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.dispatcher.Shutdown(ctx)
}

// SubmitURL はアーカイブをダウンロードしてからジョブを登録します。
// ダウンロードに失敗した場合ジョブは作成されません。
func (m *Manager) SubmitURL(ctx context.Context, rawURL string) (string, error) {
	if m.fetcher == nil {
		return "", errors.New("fetcher is not configured")
	}
	jobID := newJobID()
	dst := m.store.DownloadPath(jobID)

	if _, err := m.fetcher.Download(ctx, rawURL, dst); err != nil {
		m.logger.Warn("download failed", "job_id", jobID, "error", err)
		return "", newError(CodeFetchFailed, "ファイルのダウンロードに失敗しました。リンクを確認してください。", err)
	}
	return m.enqueue(ctx, jobID, SourceURL, sourceNameFromURL(rawURL), dst)
}

// SubmitArchive はアップロードされたアーカイブを保存してジョブを登録します。
func (m *Manager) SubmitArchive(ctx context.Context, r io.Reader, name string) (string, error) {
	jobID := newJobID()
	dst := m.store.DownloadPath(jobID)

	if _, err := m.store.SaveUpload(dst, r); err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return "", newError(CodeUploadTooLarge, "アップロードファイルが大きすぎます。", err)
		}
		return "", err
	}
	return m.enqueue(ctx, jobID, SourceUpload, filepath.Base(name), dst)
}

func (m *Manager) enqueue(ctx context.Context, jobID string, source Source, name, sourcePath string) (string, error) {
	record := &Record{
		JobID:      jobID,
		Source:     source,
		SourceName: name,
		Status:     StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}
	if err := m.registry.Create(ctx, record); err != nil {
		m.discardJob(jobID)
		return "", err
	}

	if err := m.dispatcher.Dispatch(ctx, Task{JobID: jobID, SourcePath: sourcePath}); err != nil {
		// ID は呼び出し元に返していないが、登録済みのレコードは終了状態にしておく
		if markErr := m.registry.MarkFailed(context.WithoutCancel(ctx), jobID, &ErrorInfo{
			Code:    CodeQueueFull,
			Message: err.Error(),
		}); markErr != nil {
			m.logger.Error("failed to mark rejected job", "job_id", jobID, "error", markErr)
		}
		m.discardJob(jobID)
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrClosed) {
			return "", newError(CodeQueueFull, "現在混み合っています。しばらくしてから再度お試しください。", err)
		}
		return "", err
	}

	m.logger.Info("job queued", "job_id", jobID, "source", source, "name", name)
	return jobID, nil
}

// Status はジョブの現在状態を返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*Record, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrNotFound
	}
	record, err := m.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return record, nil
}

// OpenResult は完了したジョブの成果物を開きます。呼び出し元がファイルを閉じます。
func (m *Manager) OpenResult(ctx context.Context, jobID string) (*Record, *os.File, error) {
	record, err := m.Status(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if record.Status != StatusDone || record.ResultPath == "" {
		return record, nil, ErrNotReady
	}
	file, err := os.Open(record.ResultPath)
	if err != nil {
		return record, nil, fmt.Errorf("open result: %w", err)
	}
	return record, file, nil
}

// DocumentResult は同期処理の成果物です。Cleanup で一時ファイルを削除します。
type DocumentResult struct {
	JobID          string
	OutputPath     string
	OutputFilename string
	OutputSize     int64
	Checksum       string
	Report         *export.DocumentReport

	scratch *storage.Scratch
}

// Cleanup は作業ディレクトリを削除します。
func (r *DocumentResult) Cleanup() error {
	if r == nil {
		return nil
	}
	return r.scratch.Cleanup()
}

// ExportDocument は単一のドキュメントをその場で書き出し、zip にまとめて返します。
func (m *Manager) ExportDocument(ctx context.Context, r io.Reader, name string) (_ *DocumentResult, err error) {
	jobID := newJobID()
	scratch, err := m.store.NewScratch(jobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = scratch.Cleanup()
		}
	}()

	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." {
		base = "document"
	}
	srcPath := filepath.Join(scratch.ExtractDir, base+".psd")
	if _, err := m.store.SaveUpload(srcPath, r); err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, newError(CodeUploadTooLarge, "アップロードファイルが大きすぎます。", err)
		}
		return nil, err
	}

	if m.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.JobTimeout)
		defer cancel()
	}

	report, err := m.batch.ProcessDocument(ctx, srcPath, filepath.Join(scratch.OutputDir, base))
	if err != nil {
		if errors.Is(err, export.ErrUnreadable) {
			return nil, newError(CodeInvalidDocument, "PSDファイルを読み込めませんでした。", err)
		}
		return nil, m.classify(err)
	}

	filename := base + "_layers.zip"
	packed, err := archive.Pack(ctx, scratch.OutputDir, filepath.Join(scratch.Dir, filename))
	if err != nil {
		return nil, m.classify(err)
	}

	m.logger.Info("document exported", "job_id", jobID, "name", name, "cut", report.Cut, "full", report.Full, "bytes", packed.Size)
	return &DocumentResult{
		JobID:          jobID,
		OutputPath:     packed.Path,
		OutputFilename: filename,
		OutputSize:     packed.Size,
		Checksum:       packed.Checksum,
		Report:         report,
		scratch:        scratch,
	}, nil
}

// discardJob は登録できなかったジョブのファイルを削除します。
func (m *Manager) discardJob(jobID string) {
	if err := m.store.RemoveJob(jobID); err != nil {
		m.logger.Warn("failed to remove job files", "job_id", jobID, "error", err)
	}
}

func (m *Manager) handleTask(ctx context.Context, task Task) error {
	logger := m.logger.With("job_id", task.JobID)
	if err := m.registry.MarkProcessing(ctx, task.JobID); err != nil {
		// 既に終了したジョブや未知のジョブは実行しない
		if errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			logger.Warn("skipping task", "error", err)
			return nil
		}
		logger.Error("failed to mark job processing", "error", err)
		if failErr := m.failJob(context.WithoutCancel(ctx), task.JobID, CodeInternal, "ジョブの開始に失敗しました。"); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}

	if m.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.JobTimeout)
		defer cancel()
	}
	// タイムアウト後も最終状態は書き込めるようにする
	persistCtx := context.WithoutCancel(ctx)

	started := time.Now()
	result, err := m.run(ctx, task, logger)
	if err != nil {
		logger.Error("job failed", "error", err, "elapsed", time.Since(started))
		return m.failJobWithError(persistCtx, task.JobID, err)
	}
	if err := m.registry.MarkDone(persistCtx, task.JobID, *result); err != nil {
		logger.Error("failed to mark job done", "error", err)
		return err
	}
	logger.Info("job completed", "elapsed", time.Since(started), "documents", len(result.Summary.Documents), "bytes", result.Size)
	return nil
}

func (m *Manager) run(ctx context.Context, task Task, logger *slog.Logger) (result *ResultInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	progress := m.progressReporter(ctx, task.JobID, logger)

	progress("extract", progressExtractStart)
	ws, err := m.store.Prepare(task.JobID)
	if err != nil {
		return nil, err
	}
	if m.opts.CleanupWorkspace {
		defer func() {
			if err := m.store.RemoveWork(task.JobID); err != nil {
				logger.Warn("failed to remove workspace", "error", err)
			}
		}()
	}

	extracted, err := archive.Extract(ctx, task.SourcePath, ws.ExtractDir, m.opts.ExtractLimits)
	if err != nil {
		return nil, err
	}
	logger.Debug("archive extracted", "files", extracted)

	progress("export", progressExportStart)
	summary, err := m.batch.ProcessTree(ctx, ws.ExtractDir, ws.OutputDir, func(done, total int) {
		progress("export", progressExportStart+(progressPackageStart-progressExportStart)*done/total)
	})
	if err != nil {
		return nil, err
	}

	progress("package", progressPackageStart)
	packed, err := archive.Pack(ctx, ws.OutputDir, m.store.OutputPath(task.JobID))
	if err != nil {
		return nil, err
	}
	progress("package", progressPackageEnd)

	return &ResultInfo{
		Path:        packed.Path,
		Size:        packed.Size,
		Checksum:    packed.Checksum,
		DownloadURL: m.buildDownloadURL(task.JobID),
		Summary:     summary,
	}, nil
}

// progressReporter は単調増加する進捗だけを保存するコールバックを返します。
func (m *Manager) progressReporter(ctx context.Context, jobID string, logger *slog.Logger) func(stage string, percent int) {
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(stage string, percent int) {
		percent = clampPercent(percent)
		mu.Lock()
		defer mu.Unlock()
		if percent <= last {
			return
		}
		last = percent
		if err := m.registry.UpdateProgress(ctx, jobID, ProgressInfo{
			Percent: percent,
			Stage:   stage,
		}); err != nil {
			logger.Warn("failed to update progress", "error", err)
		}
	}
}

func (m *Manager) failJob(ctx context.Context, jobID, code, message string) error {
	if err := m.registry.MarkFailed(ctx, jobID, &ErrorInfo{
		Code:    code,
		Message: message,
	}); err != nil {
		m.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	var apiErr *Error
	if errors.As(m.classify(err), &apiErr) {
		return m.failJob(ctx, jobID, apiErr.Code, apiErr.Error())
	}
	return m.failJob(ctx, jobID, CodeInternal, err.Error())
}

// classify は処理中のエラーを利用者向けのコードに対応付けます。
func (m *Manager) classify(err error) error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, "処理が制限時間を超えました。", err)
	case errors.Is(err, archive.ErrTooLarge):
		return newError(CodeArchiveTooLarge, "アーカイブの展開サイズが上限を超えています。", err)
	case errors.Is(err, archive.ErrUnsafePath), errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrAlgorithm):
		return newError(CodeInvalidArchive, "ZIPファイルを展開できませんでした。", err)
	default:
		return newError(CodeInternal, "処理中にエラーが発生しました。", err)
	}
}

func (m *Manager) buildDownloadURL(jobID string) string {
	base := m.opts.ResultBaseURL
	if base == "" {
		return "/download/" + jobID
	}
	return strings.TrimRight(base, "/") + "/" + jobID
}

func newJobID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func sourceNameFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	name := raw[strings.LastIndex(raw, "/")+1:]
	if name == "" {
		return raw
	}
	return name
}
