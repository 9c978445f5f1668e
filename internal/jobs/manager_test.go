package jobs

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/crypto/blake2b"

	"github.com/yourusername/layer-forge/internal/archive"
	"github.com/yourusername/layer-forge/internal/document"
	"github.com/yourusername/layer-forge/internal/encoder"
	"github.com/yourusername/layer-forge/internal/export"
	"github.com/yourusername/layer-forge/internal/fetch"
	"github.com/yourusername/layer-forge/internal/storage"
)

// pngOpener は拡張子が .psd の PNG ファイルを1レイヤーのドキュメントとして読み込みます。
func pngOpener(path string) (*document.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &document.Document{
		Width:  b.Dx(),
		Height: b.Dy(),
		Layers: []document.Layer{{Name: "base", Visible: true, Composite: img}},
	}, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 4; y < 12; y++ {
		for x := 2; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// buildArchive は files (相対パス → 内容) を zip にまとめてそのバイト列を返します。
func buildArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	target := filepath.Join(t.TempDir(), "input.zip")
	if _, err := archive.Pack(context.Background(), root, target); err != nil {
		t.Fatalf("pack: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	return data
}

type testEnv struct {
	manager  *Manager
	registry *MemoryRegistry
	pool     *LocalPool
	store    *storage.Local
}

func newTestEnv(t *testing.T, opts Options, poolOpts ...PoolOption) *testEnv {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	enc, err := encoder.New(encoder.Options{Start: 100, Step: 10, Floor: 10, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("encoder.New: %v", err)
	}
	batch := export.NewBatch(export.NewExporter(enc, nil), pngOpener, 2, nil)
	registry := NewMemoryRegistry(time.Hour)
	if len(poolOpts) == 0 {
		poolOpts = []PoolOption{WithWorkers(4), WithQueueSize(32)}
	}
	pool := NewLocalPool(poolOpts...)

	manager, err := NewManager(registry, pool, store, fetch.New(0), batch, opts, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return &testEnv{manager: manager, registry: registry, pool: pool, store: store}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.manager.StartWorkers(); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) *Record {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", id)
	return nil
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open result zip: %v", err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitURLCompletesJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start(t)

	img := pngBytes(t)
	srv := serveBytes(t, buildArchive(t, map[string][]byte{
		"cover.psd":        img,
		"chapter/page.psd": img,
		"broken.psd":       []byte("corrupt"),
		"notes.txt":        []byte("ignored"),
	}))

	id, err := env.manager.SubmitURL(context.Background(), srv.URL+"/layers.zip")
	if err != nil {
		t.Fatalf("SubmitURL: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("job id %q should be 32 hex chars", id)
	}

	rec := waitTerminal(t, env.manager, id)
	if rec.Status != StatusDone {
		t.Fatalf("status = %s, error = %+v", rec.Status, rec.Error)
	}
	if rec.Progress.Percent != 100 || rec.SourceName != "layers.zip" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Summary == nil || rec.Summary.Succeeded != 2 || rec.Summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", rec.Summary)
	}

	want := []string{
		"cover/layer_0_cut.png", "cover/layer_0_full.png",
		"page/layer_0_cut.png", "page/layer_0_full.png",
	}
	if got := zipNames(t, rec.ResultPath); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("zip entries = %v, want %v", got, want)
	}

	_, file, err := env.manager.OpenResult(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenResult: %v", err)
	}
	defer file.Close()
	served, _ := io.ReadAll(file)
	onDisk, _ := os.ReadFile(rec.ResultPath)
	if !bytes.Equal(served, onDisk) {
		t.Fatal("OpenResult should return the packaged bytes")
	}
	sum := blake2b.Sum256(onDisk)
	if hex.EncodeToString(sum[:]) != rec.Checksum {
		t.Fatalf("checksum = %s, want %x", rec.Checksum, sum)
	}
	if rec.DownloadURL != "/download/"+id {
		t.Fatalf("download url = %s", rec.DownloadURL)
	}
}

func TestSubmitURLFetchFailureCreatesNoJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	id, err := env.manager.SubmitURL(context.Background(), srv.URL+"/missing.zip")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeFetchFailed {
		t.Fatalf("err = %v, want FETCH_FAILED", err)
	}
	if id != "" {
		t.Fatalf("no id should be returned, got %q", id)
	}

	env.registry.mu.RLock()
	defer env.registry.mu.RUnlock()
	if len(env.registry.records) != 0 {
		t.Fatalf("registry should be empty, has %d records", len(env.registry.records))
	}
}

func TestStatusAndResultForUnknownJob(t *testing.T) {
	env := newTestEnv(t, Options{})

	if _, err := env.manager.Status(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status err = %v, want ErrNotFound", err)
	}
	if _, _, err := env.manager.OpenResult(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("OpenResult err = %v, want ErrNotFound", err)
	}
}

func TestOpenResultBeforeDone(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	createQueued(t, env.registry, "pending")

	if _, _, err := env.manager.OpenResult(ctx, "pending"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("queued: err = %v, want ErrNotReady", err)
	}
	_ = env.registry.MarkProcessing(ctx, "pending")
	if _, _, err := env.manager.OpenResult(ctx, "pending"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("processing: err = %v, want ErrNotReady", err)
	}
	_ = env.registry.MarkFailed(ctx, "pending", &ErrorInfo{Code: CodeInternal, Message: "boom"})
	if _, _, err := env.manager.OpenResult(ctx, "pending"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("failed: err = %v, want ErrNotReady", err)
	}
}

func TestConcurrentJobsAreIsolated(t *testing.T) {
	env := newTestEnv(t, Options{CleanupWorkspace: true})
	env.start(t)

	img := pngBytes(t)
	const n = 10
	archives := make([][]byte, n)
	for i := range archives {
		archives[i] = buildArchive(t, map[string][]byte{fmt.Sprintf("doc%d.psd", i): img})
	}

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := env.manager.SubmitArchive(context.Background(), bytes.NewReader(archives[i]), "upload.zip")
			if err != nil {
				t.Errorf("SubmitArchive %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, id := range ids {
		if id == "" {
			t.Fatalf("job %d was not submitted", i)
		}
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true

		rec := waitTerminal(t, env.manager, id)
		if rec.Status != StatusDone {
			t.Fatalf("job %d: status %s error %+v", i, rec.Status, rec.Error)
		}
		want := []string{fmt.Sprintf("doc%d/layer_0_cut.png", i), fmt.Sprintf("doc%d/layer_0_full.png", i)}
		if got := zipNames(t, rec.ResultPath); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("job %d: entries = %v, want %v", i, got, want)
		}
		if _, err := os.Stat(env.store.Workspace(id).Dir); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("job %d: workspace should be cleaned up", i)
		}
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	env := newTestEnv(t, Options{}, WithWorkers(1), WithQueueSize(1))
	// ワーカーを起動しないので2件目で満杯になる
	data := buildArchive(t, map[string][]byte{"a.psd": pngBytes(t)})

	if _, err := env.manager.SubmitArchive(context.Background(), bytes.NewReader(data), "a.zip"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	id, err := env.manager.SubmitArchive(context.Background(), bytes.NewReader(data), "b.zip")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeQueueFull || !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}
	if id != "" {
		t.Fatalf("rejected submission returned id %q", id)
	}

	env.registry.mu.RLock()
	defer env.registry.mu.RUnlock()
	var failed int
	for jobID, rec := range env.registry.records {
		if rec.Status != StatusFailed {
			continue
		}
		failed++
		if _, err := os.Stat(env.store.DownloadPath(jobID)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("rejected job's upload should be removed, stat err = %v", err)
		}
	}
	if failed != 1 {
		t.Fatalf("rejected job should be recorded as failed, got %d", failed)
	}
}

func TestStatusAfterSubmitIsQueued(t *testing.T) {
	env := newTestEnv(t, Options{})
	// ワーカーを起動しないのでジョブは待機したまま
	data := buildArchive(t, map[string][]byte{"a.psd": pngBytes(t)})

	id, err := env.manager.SubmitArchive(context.Background(), bytes.NewReader(data), "a.zip")
	if err != nil {
		t.Fatalf("SubmitArchive: %v", err)
	}
	rec, err := env.manager.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.JobID != id || rec.Status != StatusQueued || rec.Progress.Percent != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := os.Stat(env.store.DownloadPath(id)); err != nil {
		t.Fatalf("queued upload should be kept: %v", err)
	}
	if _, _, err := env.manager.OpenResult(context.Background(), id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("OpenResult err = %v, want ErrNotReady", err)
	}
}

// flakyRegistry は MarkProcessing だけを一時的なエラーで失敗させます。
type flakyRegistry struct {
	*MemoryRegistry
	err error
}

func (r *flakyRegistry) MarkProcessing(ctx context.Context, jobID string) error {
	if r.err != nil {
		return r.err
	}
	return r.MemoryRegistry.MarkProcessing(ctx, jobID)
}

func TestHandleTaskFailsJobWhenStartCannotBeRecorded(t *testing.T) {
	env := newTestEnv(t, Options{})
	transient := errors.New("connection reset")
	env.manager.registry = &flakyRegistry{MemoryRegistry: env.registry, err: transient}

	id := newJobID()
	createQueued(t, env.registry, id)

	if err := env.manager.handleTask(context.Background(), Task{JobID: id}); !errors.Is(err, transient) {
		t.Fatalf("handleTask err = %v, want %v", err, transient)
	}
	rec, err := env.registry.Get(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("Get = %v, %v", rec, err)
	}
	if rec.Status != StatusFailed || rec.Error == nil || rec.Error.Code != CodeInternal {
		t.Fatalf("unexpected record: %+v (error %+v)", rec, rec.Error)
	}
}

func TestHandleTaskSkipsFinishedAndUnknownJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id := newJobID()
	createQueued(t, env.registry, id)
	if err := env.registry.MarkFailed(ctx, id, &ErrorInfo{Code: CodeQueueFull}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := env.manager.handleTask(ctx, Task{JobID: id}); err != nil {
		t.Fatalf("handleTask on failed job: %v", err)
	}
	rec, _ := env.registry.Get(ctx, id)
	if rec.Status != StatusFailed || rec.Error.Code != CodeQueueFull {
		t.Fatalf("finished job should be left as is: %+v", rec)
	}

	if err := env.manager.handleTask(ctx, Task{JobID: "missing-" + newJobID()}); err != nil {
		t.Fatalf("handleTask on unknown job: %v", err)
	}
}

func TestInvalidArchiveFailsJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start(t)

	id, err := env.manager.SubmitArchive(context.Background(), strings.NewReader("this is not a zip"), "bad.zip")
	if err != nil {
		t.Fatalf("SubmitArchive: %v", err)
	}
	rec := waitTerminal(t, env.manager, id)
	if rec.Status != StatusFailed || rec.Error == nil || rec.Error.Code != CodeInvalidArchive {
		t.Fatalf("unexpected record: %+v (error %+v)", rec, rec.Error)
	}
	if _, _, err := env.manager.OpenResult(context.Background(), id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("OpenResult err = %v, want ErrNotReady", err)
	}
}

func TestJobTimeoutFailsJob(t *testing.T) {
	env := newTestEnv(t, Options{JobTimeout: time.Nanosecond})
	env.start(t)

	data := buildArchive(t, map[string][]byte{"a.psd": pngBytes(t)})
	id, err := env.manager.SubmitArchive(context.Background(), bytes.NewReader(data), "a.zip")
	if err != nil {
		t.Fatalf("SubmitArchive: %v", err)
	}
	rec := waitTerminal(t, env.manager, id)
	if rec.Status != StatusFailed || rec.Error == nil || rec.Error.Code != CodeTimeout {
		t.Fatalf("unexpected record: %+v (error %+v)", rec, rec.Error)
	}
}

func TestExportDocumentReturnsPackage(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, err := env.manager.ExportDocument(context.Background(), bytes.NewReader(pngBytes(t)), "Poster.psd")
	if err != nil {
		t.Fatalf("ExportDocument: %v", err)
	}
	if res.OutputFilename != "Poster_layers.zip" {
		t.Fatalf("filename = %s", res.OutputFilename)
	}
	if res.Report.Cut != 1 || res.Report.Full != 1 {
		t.Fatalf("unexpected report: %+v", res.Report)
	}
	want := []string{"Poster/layer_0_cut.png", "Poster/layer_0_full.png"}
	if got := zipNames(t, res.OutputPath); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("entries = %v, want %v", got, want)
	}

	if err := res.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(res.OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("output should be removed after cleanup")
	}
}

func TestExportDocumentRejectsUnreadableInput(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.manager.ExportDocument(context.Background(), strings.NewReader("garbage"), "x.psd")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeInvalidDocument {
		t.Fatalf("err = %v, want INVALID_DOCUMENT", err)
	}
	entries, _ := os.ReadDir(filepath.Join(env.store.Root(), "work"))
	if len(entries) != 0 {
		t.Fatalf("scratch directories should be cleaned up, found %d", len(entries))
	}
}
