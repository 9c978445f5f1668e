package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/layer-forge/internal/jobs"
)

type stubLookup map[string]*jobs.Record

func (s stubLookup) Status(_ context.Context, id string) (*jobs.Record, error) {
	if rec, ok := s[id]; ok {
		return rec, nil
	}
	return nil, jobs.ErrNotFound
}

func setupRouter(tracker *Tracker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	r.POST("/remember/:id", func(c *gin.Context) {
		if err := tracker.Remember(c, c.Param("id")); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/api/history", tracker.List)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func latestCookies(w *httptest.ResponseRecorder, prev []*http.Cookie) []*http.Cookie {
	if cookies := w.Result().Cookies(); len(cookies) > 0 {
		return cookies
	}
	return prev
}

type historyResponse struct {
	Tasks []struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	} `json:"tasks"`
}

func TestListReturnsRememberedTasksNewestFirst(t *testing.T) {
	lookup := stubLookup{
		"a": {JobID: "a", Status: jobs.StatusDone, Progress: jobs.ProgressInfo{Percent: 100}},
		"b": {JobID: "b", Status: jobs.StatusProcessing, Progress: jobs.ProgressInfo{Percent: 40}},
	}
	r := setupRouter(NewTracker(lookup, 0))

	var cookies []*http.Cookie
	for _, id := range []string{"a", "b", "gone", "a"} {
		w := do(t, r, http.MethodPost, "/remember/"+id, cookies)
		if w.Code != http.StatusNoContent {
			t.Fatalf("remember %s: status %d", id, w.Code)
		}
		cookies = latestCookies(w, cookies)
	}

	w := do(t, r, http.MethodGet, "/api/history", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp historyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 3 {
		t.Fatalf("tasks = %+v, want 3 entries", resp.Tasks)
	}
	got := fmt.Sprintf("%s:%s %s:%s %s:%s",
		resp.Tasks[0].TaskID, resp.Tasks[0].Status,
		resp.Tasks[1].TaskID, resp.Tasks[1].Status,
		resp.Tasks[2].TaskID, resp.Tasks[2].Status)
	if got != "a:done gone:not_found b:processing" {
		t.Fatalf("history = %s", got)
	}
}

func TestRememberKeepsLimit(t *testing.T) {
	r := setupRouter(NewTracker(stubLookup{}, 3))

	var cookies []*http.Cookie
	for i := 0; i < 5; i++ {
		w := do(t, r, http.MethodPost, fmt.Sprintf("/remember/t%d", i), cookies)
		cookies = latestCookies(w, cookies)
	}

	w := do(t, r, http.MethodGet, "/api/history", cookies)
	var resp historyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 3 || resp.Tasks[0].TaskID != "t4" || resp.Tasks[2].TaskID != "t2" {
		t.Fatalf("unexpected history: %+v", resp.Tasks)
	}
}

func TestListWithoutSessionIsEmpty(t *testing.T) {
	r := setupRouter(NewTracker(stubLookup{}, 0))
	w := do(t, r, http.MethodGet, "/api/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := w.Body.String(); body != `{"tasks":[]}` {
		t.Fatalf("body = %s", body)
	}
}
