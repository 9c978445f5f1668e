package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/layer-forge/internal/document"
)

// ErrUnreadable はドキュメントとして解析できないファイルです。
var ErrUnreadable = errors.New("document could not be read")

// ProgressFunc はドキュメントを1件処理するたびに呼ばれます。
type ProgressFunc func(done, total int)

// DocumentResult はバッチ内の1ドキュメントの結果です。
type DocumentResult struct {
	Path   string          `json:"path"`
	Folder string          `json:"folder"`
	Report *DocumentReport `json:"report,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BatchReport はディレクトリ全体の処理結果です。
type BatchReport struct {
	Documents []DocumentResult `json:"documents"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// Batch はディレクトリツリー内のドキュメントをまとめて書き出します。
type Batch struct {
	exporter *Exporter
	open     document.Opener
	workers  int
	logger   *slog.Logger
}

// NewBatch は Batch を作成します。open が nil の場合は PSD デコーダを使います。
func NewBatch(exporter *Exporter, open document.Opener, workers int, logger *slog.Logger) *Batch {
	if open == nil {
		open = document.Open
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{exporter: exporter, open: open, workers: workers, logger: logger}
}

// ProcessTree は sourceDir 以下のドキュメントを探し、ファイル名ごとのサブフォルダへ書き出します。
// 壊れたドキュメントは結果に記録され、残りのドキュメントの処理は続行します。
func (b *Batch) ProcessTree(ctx context.Context, sourceDir, outputBaseDir string, progress ProgressFunc) (*BatchReport, error) {
	paths, err := findDocuments(sourceDir)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{Documents: make([]DocumentResult, len(paths))}
	folders := assignFolders(paths)

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := b.processOne(gctx, path, filepath.Join(outputBaseDir, folders[i]))
			result.Folder = folders[i]
			if rel, relErr := filepath.Rel(sourceDir, path); relErr == nil {
				result.Path = filepath.ToSlash(rel)
			}

			mu.Lock()
			report.Documents[i] = result
			done++
			current := done
			mu.Unlock()

			if progress != nil {
				progress(current, len(paths))
			}
			// キャンセルだけはバッチ全体を止める
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for _, doc := range report.Documents {
		if doc.Error != "" {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report, nil
}

func (b *Batch) processOne(ctx context.Context, path, outDir string) (result DocumentResult) {
	result.Path = path
	defer func() {
		if r := recover(); r != nil {
			result.Report = nil
			result.Error = fmt.Sprintf("panic: %v", r)
			b.logger.Error("document export panicked", "path", path, "panic", r)
		}
	}()

	docReport, err := b.ProcessDocument(ctx, path, outDir)
	if err != nil {
		b.logger.Warn("failed to export document", "path", path, "error", err)
		result.Error = err.Error()
		return result
	}
	result.Report = docReport
	b.logger.Debug("document exported", "path", path, "cut", docReport.Cut, "full", docReport.Full, "failures", len(docReport.Failures))
	return result
}

// ProcessDocument は1つのドキュメントを outDir に書き出します。
// 開けないドキュメントは ErrUnreadable を包んだエラーになります。
func (b *Batch) ProcessDocument(ctx context.Context, path, outDir string) (*DocumentReport, error) {
	doc, err := b.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return b.exporter.Export(ctx, doc, outDir)
}

// findDocuments は辞書順でドキュメントのパスを集めます。
func findDocuments(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || name == "__MACOSX") {
				return filepath.SkipDir
			}
			return nil
		}
		// macOS の AppleDouble (._name.psd) などの隠しファイルは対象外
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if document.IsDocument(name) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return paths, nil
}

// assignFolders は拡張子を除いたファイル名を出力フォルダ名にします。
// 別ディレクトリに同名ファイルがある場合は出現順に _2, _3 を付けます。
func assignFolders(paths []string) []string {
	folders := make([]string, len(paths))
	used := make(map[string]int, len(paths))
	for i, path := range paths {
		base := filepath.Base(path)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		if name == "" {
			name = "document"
		}
		key := strings.ToLower(name)
		used[key]++
		if n := used[key]; n > 1 {
			name = name + "_" + strconv.Itoa(n)
			for used[strings.ToLower(name)] > 0 {
				n++
				name = strings.TrimSuffix(base, filepath.Ext(base)) + "_" + strconv.Itoa(n)
			}
			used[strings.ToLower(name)]++
		}
		folders[i] = name
	}
	return folders
}
