// layerexport はディレクトリ (または zip) 内の PSD をまとめてレイヤーPNGに書き出すコマンドです。
// サーバーを起動せずに同じ書き出し処理を実行します。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/yourusername/layer-forge/internal/archive"
	"github.com/yourusername/layer-forge/internal/encoder"
	"github.com/yourusername/layer-forge/internal/export"
)

type options struct {
	src      string
	out      string
	zipPath  string
	workers  int
	verbose  bool
	encoding encoder.Options
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts := options{encoding: encoder.DefaultOptions()}

	flagSet := pflag.NewFlagSet("layerexport", pflag.ContinueOnError)
	flagSet.StringVar(&opts.src, "src", "", "PSD を含むディレクトリ、または zip ファイル")
	flagSet.StringVar(&opts.out, "out", "output", "書き出し先ディレクトリ")
	flagSet.StringVar(&opts.zipPath, "zip", "", "書き出し結果をまとめる zip のパス (省略時は作成しない)")
	flagSet.Int64Var(&opts.encoding.MaxBytes, "max-bytes", opts.encoding.MaxBytes, "PNG 1枚あたりのサイズ上限 (0 で無制限)")
	flagSet.IntVar(&opts.encoding.Start, "quality-start", opts.encoding.Start, "最初に試す品質")
	flagSet.IntVar(&opts.encoding.Step, "quality-step", opts.encoding.Step, "1回あたりに下げる品質")
	flagSet.IntVar(&opts.encoding.Floor, "quality-floor", opts.encoding.Floor, "品質の下限")
	flagSet.IntVar(&opts.workers, "workers", 2, "並列に処理するドキュメント数")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "詳細なログを出力する")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if opts.src == "" {
		if rest := flagSet.Args(); len(rest) > 0 {
			opts.src = rest[0]
		}
	}
	if opts.src == "" {
		return errors.New("--src を指定してください")
	}
	if opts.zipPath != "" {
		if rel, err := filepath.Rel(opts.out, opts.zipPath); err == nil && !strings.HasPrefix(rel, "..") {
			return errors.New("--zip は --out の外に指定してください")
		}
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return exportAll(ctx, opts, logger)
}

func exportAll(ctx context.Context, opts options, logger *slog.Logger) error {
	enc, err := encoder.New(opts.encoding)
	if err != nil {
		return err
	}
	batch := export.NewBatch(export.NewExporter(enc, logger), nil, opts.workers, logger)

	srcDir, cleanup, err := prepareSource(ctx, opts.src)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := os.MkdirAll(opts.out, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	report, err := batch.ProcessTree(ctx, srcDir, opts.out, func(done, total int) {
		fmt.Fprintf(os.Stderr, "\r[%d/%d] documents", done, total)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	printReport(report)

	if opts.zipPath == "" {
		return nil
	}
	packed, err := archive.Pack(ctx, opts.out, opts.zipPath)
	if err != nil {
		return fmt.Errorf("package output: %w", err)
	}
	fmt.Printf("packaged %d files into %s (%s, blake2b %s)\n",
		packed.Entries, packed.Path, humanize.IBytes(uint64(packed.Size)), packed.Checksum)
	return nil
}

// prepareSource は zip が渡された場合に一時ディレクトリへ展開します。
func prepareSource(ctx context.Context, src string) (string, func(), error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		return src, func() {}, nil
	}
	if !strings.EqualFold(filepath.Ext(src), ".zip") {
		return "", nil, fmt.Errorf("%s はディレクトリでも zip でもありません", src)
	}

	dir, err := os.MkdirTemp("", "layerexport-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	if _, err := archive.Extract(ctx, src, dir, archive.Limits{}); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("extract %s: %w", src, err)
	}
	return dir, cleanup, nil
}

func printReport(report *export.BatchReport) {
	var total int64
	for _, doc := range report.Documents {
		if doc.Error != "" {
			fmt.Printf("FAIL %s: %s\n", doc.Path, doc.Error)
			continue
		}
		r := doc.Report
		total += r.Bytes
		fmt.Printf("ok   %s -> %s (cut %d, full %d, %s)\n", doc.Path, doc.Folder, r.Cut, r.Full, humanize.IBytes(uint64(r.Bytes)))
		for _, f := range r.Failures {
			fmt.Printf("     layer %d %q (%s): %s\n", f.Index, f.Name, f.Role, f.Message)
		}
	}
	fmt.Printf("%d succeeded, %d failed, %s written\n", report.Succeeded, report.Failed, humanize.IBytes(uint64(total)))
}
