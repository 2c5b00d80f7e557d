package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/ice/internal/config"
	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/ice/icetest"
	"github.com/rzbill/ice/internal/runtime"
	logpkg "github.com/rzbill/ice/pkg/log"
)

type harness struct {
	rt    *runtime.Runtime
	s     *Server
	clock *icetest.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "always"
	cfg.Scheduler.Enabled = false
	cfg.Queue.Topics = []string{"sms"}
	clock := icetest.NewClock(time.UnixMilli(1_700_000_000_000))
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logger, Clock: clock.Now})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return &harness{rt: rt, s: New(rt, logger), clock: clock}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.s.Handler().ServeHTTP(w, req)
	return w
}

func (h *harness) promote(t *testing.T) {
	t.Helper()
	if _, err := h.rt.Store().PromoteDue(context.Background(), h.clock.Now(), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/healthz", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/jobs", `{"id":"42","topic":"sms","body":{"to":"+100"},"delayMs":1000}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status: %d %s", w.Code, w.Body)
	}
	added := decode[ice.Job](t, w)
	if added.ID != "sms-42" || added.Status != ice.StatusDelay {
		t.Fatalf("unexpected job: %+v", added)
	}

	if w := h.do(t, http.MethodPost, "/v1/topics/sms/pop", ""); w.Code != http.StatusNoContent {
		t.Fatalf("pop before due: %d", w.Code)
	}

	h.clock.Advance(time.Second)
	h.promote(t)
	w = h.do(t, http.MethodPost, "/v1/topics/sms/pop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pop status: %d %s", w.Code, w.Body)
	}
	popped := decode[ice.Job](t, w)
	if popped.ID != "sms-42" || popped.Status != ice.StatusReserved {
		t.Fatalf("unexpected pop: %+v", popped)
	}
	if string(popped.Body) != `{"to":"+100"}` {
		t.Fatalf("body changed: %s", popped.Body)
	}

	if w := h.do(t, http.MethodGet, "/v1/jobs/sms-42", ""); w.Code != http.StatusOK {
		t.Fatalf("get status: %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/jobs/finish", `{"ids":["sms-42"]}`); w.Code != http.StatusNoContent {
		t.Fatalf("finish status: %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/v1/jobs/sms-42", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get after finish: %d", w.Code)
	}
}

func TestBulkAddAndPopCount(t *testing.T) {
	h := newHarness(t)
	body := `{"jobs":[{"id":"1","topic":"sms"},{"id":"2","topic":"sms"},{"topic":"sms"}]}`
	w := h.do(t, http.MethodPost, "/v1/jobs/bulk", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("bulk status: %d %s", w.Code, w.Body)
	}
	added := decode[jobsEnvelope](t, w)
	if len(added.Jobs) != 3 || !strings.HasPrefix(added.Jobs[2].ID, "sms-") || len(added.Jobs[2].ID) < 10 {
		t.Fatalf("unexpected bulk result: %+v", added.Jobs)
	}

	h.promote(t)
	w = h.do(t, http.MethodPost, "/v1/topics/sms/pop?count=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pop count status: %d", w.Code)
	}
	got := decode[jobsEnvelope](t, w)
	if len(got.Jobs) != 2 || got.Jobs[0].ID != "sms-1" || got.Jobs[1].ID != "sms-2" {
		t.Fatalf("unexpected pop batch: %+v", got.Jobs)
	}

	w = h.do(t, http.MethodGet, "/v1/stats", "")
	st := decode[ice.Stats](t, w)
	if st.Ready["sms"] != 1 || st.Delayed != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestListWithFilter(t *testing.T) {
	h := newHarness(t)
	for _, b := range []string{
		`{"id":"a","topic":"sms","body":{"priority":5}}`,
		`{"id":"b","topic":"sms","body":{"priority":1}}`,
		`{"id":"c","topic":"mail"}`,
	} {
		if w := h.do(t, http.MethodPost, "/v1/jobs", b); w.Code != http.StatusCreated {
			t.Fatalf("add %s: %d", b, w.Code)
		}
	}
	w := h.do(t, http.MethodGet, `/v1/jobs?filter=topic%20%3D%3D%20%22sms%22%20%26%26%20body.priority%20%3E%202.0`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status: %d %s", w.Code, w.Body)
	}
	got := decode[jobsEnvelope](t, w)
	if len(got.Jobs) != 1 || got.Jobs[0].ID != "sms-a" {
		t.Fatalf("unexpected list: %+v", got.Jobs)
	}

	w = h.do(t, http.MethodGet, "/v1/jobs?limit=2", "")
	if got := decode[jobsEnvelope](t, w); len(got.Jobs) != 2 {
		t.Fatalf("limit ignored: %d jobs", len(got.Jobs))
	}
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/v1/jobs", `{"id":"1"}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/jobs", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/v1/jobs", `{"id":"1","topic":"sms","delayMs":-5}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/jobs/bulk", `{"jobs":[]}`, http.StatusBadRequest},
		{http.MethodGet, "/v1/jobs?filter=status%20%3D%3D", "", http.StatusBadRequest},
		{http.MethodPost, "/v1/topics/sms/pop?count=0", "", http.StatusBadRequest},
		{http.MethodGet, "/v1/jobs/sms-missing", "", http.StatusNotFound},
		{http.MethodDelete, "/v1/jobs/sms-missing", "", http.StatusNoContent},
	}
	for _, c := range cases {
		if w := h.do(t, c.method, c.path, c.body); w.Code != c.want {
			t.Fatalf("%s %s: got %d want %d (%s)", c.method, c.path, w.Code, c.want, w.Body)
		}
	}
}

func TestDeleteBeforeDue(t *testing.T) {
	h := newHarness(t)
	if w := h.do(t, http.MethodPost, "/v1/jobs", `{"id":"1","topic":"sms","delayMs":10}`); w.Code != http.StatusCreated {
		t.Fatalf("add: %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/jobs/delete", `{"ids":["sms-1"]}`); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	h.clock.Advance(time.Second)
	h.promote(t)
	if w := h.do(t, http.MethodPost, "/v1/topics/sms/pop", ""); w.Code != http.StatusNoContent {
		t.Fatalf("deleted job delivered: %d %s", w.Code, w.Body)
	}
}

type jobsEnvelope struct {
	Jobs []ice.Job `json:"jobs"`
}
