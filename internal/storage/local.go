// Package storage はジョブIDごとのファイル配置を管理します。
//
// DATA_DIR 以下のレイアウト:
//
//	downloads/<jobID>.zip        取得・アップロードされた入力アーカイブ
//	work/<jobID>/extracted/      展開先
//	work/<jobID>/output/         ドキュメントごとの書き出し先
//	outputs/<jobID>.zip          ダウンロード用の成果物
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// ErrTooLarge はアップロードサイズの上限超過です。
var ErrTooLarge = errors.New("upload exceeds size limit")

const (
	downloadsDir = "downloads"
	workDir      = "work"
	outputsDir   = "outputs"
)

// Local はローカルファイルシステム上のストレージです。
type Local struct {
	root      string
	maxUpload int64
}

// NewLocal は root 以下にディレクトリを作成して Local を返します。
func NewLocal(root string, maxUpload int64) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	for _, dir := range []string{downloadsDir, workDir, outputsDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("ストレージディレクトリの作成に失敗しました: %w", err)
		}
	}
	return &Local{root: abs, maxUpload: maxUpload}, nil
}

// Root はデータディレクトリの絶対パスです。
func (l *Local) Root() string {
	return l.root
}

// Workspace はジョブの作業ディレクトリです。
type Workspace struct {
	JobID      string
	Dir        string
	ExtractDir string
	OutputDir  string
}

// Workspace は jobID の作業ディレクトリのパスを返します。ディレクトリは作成しません。
func (l *Local) Workspace(jobID string) Workspace {
	dir := filepath.Join(l.root, workDir, jobID)
	return Workspace{
		JobID:      jobID,
		Dir:        dir,
		ExtractDir: filepath.Join(dir, "extracted"),
		OutputDir:  filepath.Join(dir, "output"),
	}
}

// Prepare は作業ディレクトリを作り直します。
func (l *Local) Prepare(jobID string) (Workspace, error) {
	if err := validateID(jobID); err != nil {
		return Workspace{}, err
	}
	ws := l.Workspace(jobID)
	if err := os.RemoveAll(ws.Dir); err != nil {
		return ws, fmt.Errorf("clear workspace: %w", err)
	}
	for _, dir := range []string{ws.ExtractDir, ws.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ws, fmt.Errorf("create workspace: %w", err)
		}
	}
	return ws, nil
}

// DownloadPath は入力アーカイブの保存先です。
func (l *Local) DownloadPath(jobID string) string {
	return filepath.Join(l.root, downloadsDir, jobID+".zip")
}

// OutputPath は成果物アーカイブの保存先です。
func (l *Local) OutputPath(jobID string) string {
	return filepath.Join(l.root, outputsDir, jobID+".zip")
}

// SaveUpload は r の内容を dst に保存します。上限を超えた場合は何も残しません。
func (l *Local) SaveUpload(dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if l.maxUpload > 0 {
		r = io.LimitReader(r, l.maxUpload+1)
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}
	if l.maxUpload > 0 && n > l.maxUpload {
		return n, fmt.Errorf("%w (limit %s)", ErrTooLarge, humanize.IBytes(uint64(l.maxUpload)))
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, err
	}
	return n, nil
}

// RemoveWork は作業ディレクトリだけを削除します。
func (l *Local) RemoveWork(jobID string) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	return os.RemoveAll(l.Workspace(jobID).Dir)
}

// RemoveJob はジョブに関係するファイルをすべて削除します。
func (l *Local) RemoveJob(jobID string) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	return errors.Join(
		os.RemoveAll(l.Workspace(jobID).Dir),
		removeIfExists(l.DownloadPath(jobID)),
		removeIfExists(l.OutputPath(jobID)),
	)
}

// Scratch は同期処理用の一時ディレクトリです。Cleanup は何度呼んでも安全です。
type Scratch struct {
	Workspace

	cleanupOnce sync.Once
	cleanupErr  error
}

// NewScratch は jobID の作業ディレクトリを Scratch として準備します。
func (l *Local) NewScratch(jobID string) (*Scratch, error) {
	ws, err := l.Prepare(jobID)
	if err != nil {
		return nil, err
	}
	return &Scratch{Workspace: ws}, nil
}

// Cleanup は作業ディレクトリを削除します。
func (s *Scratch) Cleanup() error {
	if s == nil {
		return nil
	}
	s.cleanupOnce.Do(func() {
		s.cleanupErr = os.RemoveAll(s.Dir)
	})
	return s.cleanupErr
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func validateID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("jobID is required")
	}
	if strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return fmt.Errorf("invalid jobID %q", jobID)
	}
	return nil
}
