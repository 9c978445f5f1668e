// Package history はブラウザのセッションに最近投入したタスクIDを記録します。
// 認証ではないため、利用者の識別は行いません。
package history

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/layer-forge/internal/jobs"
)

const (
	SessionCookieName = "lf_session"
	sessionKeyTasks   = "recent_tasks"

	// DefaultLimit はセッションに残すタスクIDの数です。
	DefaultLimit = 20
)

var sessionLifetime = 7 * 24 * time.Hour

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime.Seconds())
}

// StatusLookup はタスクの現在状態を返します。
type StatusLookup interface {
	Status(ctx context.Context, jobID string) (*jobs.Record, error)
}

// Tracker はセッション内のタスク履歴を扱います。
type Tracker struct {
	lookup StatusLookup
	limit  int
}

// NewTracker は Tracker を作成します。
func NewTracker(lookup StatusLookup, limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Tracker{lookup: lookup, limit: limit}
}

// Remember は taskID を履歴の先頭に追加します。
func (t *Tracker) Remember(c *gin.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	ids := []string{taskID}
	for _, id := range t.Recent(c) {
		if id != taskID && len(ids) < t.limit {
			ids = append(ids, id)
		}
	}
	session := sessions.Default(c)
	session.Set(sessionKeyTasks, strings.Join(ids, ","))
	return session.Save()
}

// Recent は新しい順のタスクIDを返します。
func (t *Tracker) Recent(c *gin.Context) []string {
	raw, _ := sessions.Default(c).Get(sessionKeyTasks).(string)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

type entry struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Error     *jobs.ErrorInfo `json:"error,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// List は GET /api/history のハンドラーです。
func (t *Tracker) List(c *gin.Context) {
	ids := t.Recent(c)
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		e := entry{TaskID: id, Status: "not_found"}
		record, err := t.lookup.Status(c.Request.Context(), id)
		switch {
		case err == nil:
			created := record.CreatedAt
			e.Status = string(record.Status)
			e.Progress = record.Progress.Percent
			e.Error = record.Error
			e.CreatedAt = &created
		case errors.Is(err, jobs.ErrNotFound):
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "履歴の取得に失敗しました。",
			})
			return
		}
		entries = append(entries, e)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": entries})
}
