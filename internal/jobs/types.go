package jobs

import (
	"fmt"
	"time"

	"github.com/yourusername/layer-forge/internal/export"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// 許可される状態遷移。queued→failed はディスパッチに失敗した場合だけ使う。
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusDone, StatusFailed},
}

// Source はジョブ入力の取得元です。
type Source string

const (
	SourceURL    Source = "url"
	SourceUpload Source = "upload"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultInfo は完了したジョブの成果物です。
type ResultInfo struct {
	Path        string
	Size        int64
	Checksum    string
	DownloadURL string
	Summary     *export.BatchReport
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string              `json:"jobId"`
	Source      Source              `json:"source"`
	SourceName  string              `json:"sourceName,omitempty"`
	Status      Status              `json:"status"`
	Progress    ProgressInfo        `json:"progress"`
	ResultPath  string              `json:"resultPath,omitempty"`
	ResultSize  int64               `json:"resultSize,omitempty"`
	Checksum    string              `json:"checksum,omitempty"`
	DownloadURL string              `json:"downloadUrl,omitempty"`
	Summary     *export.BatchReport `json:"summary,omitempty"`
	Error       *ErrorInfo          `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	ExpiresAt   time.Time           `json:"expiresAt,omitzero"`
}

// transition は遷移表に従って状態を変更します。
func (r *Record) transition(to Status) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, r.JobID, r.Status)
	}
	for _, allowed := range transitions[r.Status] {
		if allowed == to {
			r.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Error != nil {
		errInfo := *r.Error
		cp.Error = &errInfo
	}
	return &cp
}

// 各レジストリ実装が共有する更新処理

func toProcessing(r *Record) error {
	if err := r.transition(StatusProcessing); err != nil {
		return err
	}
	r.Progress = ProgressInfo{Percent: 0, Stage: "processing"}
	return nil
}

func withProgress(p ProgressInfo) func(*Record) error {
	return func(r *Record) error {
		if r.Status != StatusProcessing {
			if r.Status.Terminal() {
				return fmt.Errorf("%w: job %s is %s", ErrTerminal, r.JobID, r.Status)
			}
			return fmt.Errorf("%w: progress while %s", ErrInvalidTransition, r.Status)
		}
		p.Percent = clampPercent(p.Percent)
		r.Progress = p
		return nil
	}
}

func toDone(res ResultInfo) func(*Record) error {
	return func(r *Record) error {
		if err := r.transition(StatusDone); err != nil {
			return err
		}
		r.Progress = ProgressInfo{Percent: 100, Stage: "completed"}
		r.ResultPath = res.Path
		r.ResultSize = res.Size
		r.Checksum = res.Checksum
		r.DownloadURL = res.DownloadURL
		r.Summary = res.Summary
		r.Error = nil
		return nil
	}
}

func toFailed(info *ErrorInfo) func(*Record) error {
	return func(r *Record) error {
		if err := r.transition(StatusFailed); err != nil {
			return err
		}
		if info == nil {
			info = &ErrorInfo{Code: CodeInternal, Message: "unknown error"}
		}
		r.Error = info
		r.Progress.Stage = "failed"
		return nil
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
