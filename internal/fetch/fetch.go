// Package fetch はURLで指定されたアーカイブを取得します。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrTooLarge はダウンロードサイズの上限超過です。
var ErrTooLarge = errors.New("remote file exceeds size limit")

var driveFilePattern = regexp.MustCompile(`^/file/d/([A-Za-z0-9_-]+)`)

// ResolveShareLink は共有リンクを直接ダウンロードできるURLに変換します。
// 対応していないURLはそのまま返します。
func ResolveShareLink(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case host == "drive.google.com":
		id := ""
		if m := driveFilePattern.FindStringSubmatch(u.Path); m != nil {
			id = m[1]
		} else if u.Path == "/open" || u.Path == "/uc" {
			id = u.Query().Get("id")
		}
		if id == "" {
			return raw
		}
		return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(id)

	case host == "dropbox.com" || strings.HasSuffix(host, ".dropbox.com"):
		q := u.Query()
		if q.Get("dl") == "1" {
			return raw
		}
		q.Set("dl", "1")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return raw
}

// Fetcher はHTTPでファイルを取得します。
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
}

// Option は Fetcher の設定を変更します。
type Option func(*Fetcher)

// WithClient は使用する http.Client を差し替えます。
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout は1回のダウンロード全体の制限時間です。
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithLogger はロガーを設定します。
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New は Fetcher を作成します。maxBytes が0以下なら無制限です。
func New(maxBytes int64, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{},
		maxBytes: maxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Download は rawURL の内容を dst に保存し、書き込んだバイト数を返します。
// 途中で失敗した場合 dst は作成されません。
func (f *Fetcher) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	target := ResolveShareLink(rawURL)
	u, err := url.Parse(target)
	if err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return 0, errors.New("url has no host")
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, f.tooLarge()
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return n, f.tooLarge()
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, fmt.Errorf("rename: %w", err)
	}

	f.logger.Info("download completed", "host", u.Host, "bytes", n)
	return n, nil
}

func (f *Fetcher) tooLarge() error {
	return fmt.Errorf("%w (limit %s)", ErrTooLarge, humanize.IBytes(uint64(f.maxBytes)))
}
