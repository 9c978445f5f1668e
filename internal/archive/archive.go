// Package archive は zip の展開と作成を扱います。
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrUnsafePath は展開先の外を指すエントリです。
	ErrUnsafePath = errors.New("archive entry escapes destination")
	// ErrTooLarge は展開サイズの上限超過です。
	ErrTooLarge = errors.New("archive exceeds extraction limit")
)

// Limits は展開時の上限です。0 以下は無制限を表します。
type Limits struct {
	MaxEntryBytes int64
	MaxTotalBytes int64
	MaxEntries    int
}

// budget は次のエントリに許されるバイト数を返します。負の値は無制限です。
func (l Limits) budget(extracted int64) int64 {
	budget := int64(-1)
	if l.MaxEntryBytes > 0 {
		budget = l.MaxEntryBytes
	}
	if l.MaxTotalBytes > 0 {
		remaining := max(l.MaxTotalBytes-extracted, 0)
		if budget < 0 || remaining < budget {
			budget = remaining
		}
	}
	return budget
}

// Extract は archivePath を destDir に展開し、書き出したファイル数を返します。
func Extract(ctx context.Context, archivePath, destDir string, limits Limits) (int, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil && (reader == nil || !errors.Is(err, zip.ErrInsecurePath)) {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	// 危険なエントリ名は safeJoin でエントリごとに弾く
	defer reader.Close()

	if limits.MaxEntries > 0 && len(reader.File) > limits.MaxEntries {
		return 0, fmt.Errorf("%w: %d entries", ErrTooLarge, len(reader.File))
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", destDir, err)
	}

	var (
		total   int64
		written int
	)
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return written, err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return written, fmt.Errorf("mkdir %s: %w", target, err)
			}
			continue
		}
		// シンボリックリンクなど通常ファイル以外は展開しない
		if !file.Mode().IsRegular() {
			continue
		}

		budget := limits.budget(total)

		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return written, fmt.Errorf("mkdir %s: %w", target, err)
		}
		n, err := extractFile(file, target, budget)
		total += n
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func extractFile(file *zip.File, target string, budget int64) (int64, error) {
	src, err := file.Open()
	if err != nil {
		return 0, fmt.Errorf("open zip entry %s: %w", file.Name, err)
	}
	defer src.Close()

	var r io.Reader = src
	if budget >= 0 {
		r = io.LimitReader(src, budget+1)
	}
	n, err := writeFileAtomic(target, r, budget)
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", file.Name, err)
	}
	return n, nil
}

// writeFileAtomic は一時ファイルに書いてからリネームします。limit (負なら無制限) を超えたら破棄します。
func writeFileAtomic(target string, r io.Reader, limit int64) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".extract-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	if limit >= 0 && n > limit {
		return n, ErrTooLarge
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return n, err
	}
	return n, os.Rename(tmpName, target)
}

// safeJoin はエントリ名を root 配下のパスに変換します。
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

// PackResult は作成したアーカイブの情報です。
type PackResult struct {
	Path     string
	Size     int64
	Entries  int
	Checksum string // BLAKE2b-256 (hex)
}

// Pack は srcDir 以下のファイルをパス順に archivePath へまとめます。
// エントリ名は srcDir からの相対パス（スラッシュ区切り）です。
func Pack(ctx context.Context, srcDir, archivePath string) (*PackResult, error) {
	var files []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", srcDir, err)
	}
	sort.Strings(files)

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(archivePath), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".pack-*")
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash, err := blake2b.New256(nil)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	counter := &countingWriter{w: io.MultiWriter(tmp, hash)}
	zipWriter := zip.NewWriter(counter)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			zipWriter.Close()
			tmp.Close()
			return nil, err
		}
		if err := addFile(zipWriter, srcDir, path); err != nil {
			zipWriter.Close()
			tmp.Close()
			return nil, err
		}
	}
	if err := zipWriter.Close(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return nil, fmt.Errorf("rename zip: %w", err)
	}

	return &PackResult{
		Path:     archivePath,
		Size:     counter.n,
		Entries:  len(files),
		Checksum: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func addFile(zipWriter *zip.Writer, root, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", header.Name, err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("zip write %s: %w", header.Name, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
