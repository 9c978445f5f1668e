package jobs

import "errors"

var (
	// ErrNotFound は未知のジョブIDです。
	ErrNotFound = errors.New("job not found")
	// ErrNotReady はまだ完了していないジョブの成果物を要求した場合に返ります。
	ErrNotReady = errors.New("job result not ready")
	// ErrQueueFull はキューに空きがない場合に返ります。
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed は停止処理中のディスパッチャへの投入です。
	ErrClosed = errors.New("dispatcher is shut down")
	// ErrTerminal は終了状態のジョブを更新しようとした場合に返ります。
	ErrTerminal = errors.New("job already finished")
	// ErrInvalidTransition は遷移表にない状態変更です。
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// エラーコード
const (
	CodeFetchFailed     = "FETCH_FAILED"
	CodeUploadTooLarge  = "UPLOAD_TOO_LARGE"
	CodeInvalidArchive  = "INVALID_ARCHIVE"
	CodeArchiveTooLarge = "ARCHIVE_TOO_LARGE"
	CodeInvalidDocument = "INVALID_DOCUMENT"
	CodeQueueFull       = "QUEUE_FULL"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error は利用者に返すコード付きのエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
