package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/expvisor/internal/errors"
	"github.com/3leaps/expvisor/pkg/access"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/output"
	"github.com/3leaps/expvisor/pkg/resultns"
	"github.com/3leaps/expvisor/pkg/statestore"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

// blockingExec runs until released or signaled.
type blockingExec struct {
	pid  int
	once sync.Once
	exit chan int
}

func (e *blockingExec) PID() int { return e.pid }

func (e *blockingExec) Wait() (int, error) { return <-e.exit, nil }

func (e *blockingExec) Signal(bool) error {
	e.finish(-1)
	return nil
}

func (e *blockingExec) finish(code int) {
	e.once.Do(func() { e.exit <- code })
}

func (e *blockingExec) Usage() (*experiment.ProcessInfo, error) {
	return &experiment.ProcessInfo{Threads: 1}, nil
}

func (e *blockingExec) Output() (string, string) { return "running\n", "" }

type blockingLauncher struct {
	mu    sync.Mutex
	execs []*blockingExec
}

func (l *blockingLauncher) Launch(context.Context, supervisor.LaunchSpec) (supervisor.Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &blockingExec{pid: 200000 + len(l.execs), exit: make(chan int, 1)}
	l.execs = append(l.execs, e)
	return e, nil
}

func (l *blockingLauncher) last(t *testing.T) *blockingExec {
	t.Helper()
	var e *blockingExec
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.execs) == 0 {
			return false
		}
		e = l.execs[len(l.execs)-1]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return e
}

type apiHarness struct {
	dir      string
	sup      *supervisor.Supervisor
	launcher *blockingLauncher
	handler  http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dir := t.TempDir()
	l := &blockingLauncher{}
	sup := supervisor.New(
		statestore.New(filepath.Join(dir, "experiments"), statestore.Options{}),
		resultns.New(filepath.Join(dir, "results")),
		l,
		supervisor.Config{PollInterval: 20 * time.Millisecond, StopGrace: 200 * time.Millisecond},
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	api := NewExperimentsAPI(sup, access.NewPolicy([]string{"root"}), false, nil)
	r := chi.NewRouter()
	r.Mount("/v1/experiments", api.Routes())
	return &apiHarness{dir: dir, sup: sup, launcher: l, handler: r}
}

func (h *apiHarness) template(t *testing.T) string {
	t.Helper()
	p := filepath.Join(h.dir, "survey.xlsx")
	require.NoError(t, os.WriteFile(p, []byte("PK"), 0644))
	return p
}

func (h *apiHarness) do(method, path, principal, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) start(t *testing.T, principal string) *experiment.Record {
	t.Helper()
	body := `{"template_ref":"` + h.template(t) + `","mode":"test"}`
	rec := h.do(http.MethodPost, "/v1/experiments", principal, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out experiment.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "/v1/experiments/"+out.ID, rec.Header().Get("Location"))
	return &out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestExperimentsAPI_RequiresPrincipal(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/v1/experiments", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.CodeUnauthenticated, errorCode(t, rec))
}

func TestExperimentsAPI_StartValidation(t *testing.T) {
	h := newAPIHarness(t)
	tpl := h.template(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad mode", `{"template_ref":"` + tpl + `","mode":"quick"}`},
		{"missing template", `{"template_ref":"/nope.xlsx","mode":"test"}`},
		{"unknown field", `{"template_ref":"` + tpl + `","mode":"test","owner":"mallory"}`},
		{"not json", `mode=test`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/experiments", "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, output.ErrCodeValidation, errorCode(t, rec))
		})
	}

	rec := h.do(http.MethodGet, "/v1/experiments?all=true", "root", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.Count, "rejected starts leave no records")
	assert.NotNil(t, list.Experiments)
}

func TestExperimentsAPI_Lifecycle(t *testing.T) {
	h := newAPIHarness(t)
	started := h.start(t, "alice")
	assert.Equal(t, "alice", started.Owner)
	assert.Equal(t, experiment.ModeTest, started.Mode)

	// Owner reads, others are denied, admins read anything.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/experiments/"+started.ID, "alice", "").Code)
	denied := h.do(http.MethodGet, "/v1/experiments/"+started.ID, "bob", "")
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, output.ErrCodeAccessDenied, errorCode(t, denied))
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/experiments/"+started.ID, "root", "").Code)

	missing := h.do(http.MethodGet, "/v1/experiments/does-not-exist", "alice", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, output.ErrCodeNotFound, errorCode(t, missing))
	// Mutations on a missing id stay indistinguishable from a denial.
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/experiments/does-not-exist/stop", "alice", "").Code)

	// Listing.
	rec := h.do(http.MethodGet, "/v1/experiments?status=pending,running", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, started.ID, list.Experiments[0].ID)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/experiments?owner=alice", "bob", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/experiments?status=sleeping", "alice", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/experiments?all=maybe", "alice", "").Code)

	// Stop: bob cannot, alice can.
	h.launcher.last(t)
	stopDenied := h.do(http.MethodPost, "/v1/experiments/"+started.ID+"/stop", "bob", "")
	assert.Equal(t, http.StatusForbidden, stopDenied.Code)

	stopped := h.do(http.MethodPost, "/v1/experiments/"+started.ID+"/stop", "alice", "")
	require.Equal(t, http.StatusOK, stopped.Code, stopped.Body.String())
	var final experiment.Record
	require.NoError(t, json.Unmarshal(stopped.Body.Bytes(), &final))
	assert.Equal(t, experiment.StatusStopped, final.Status)

	// Delete.
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, "/v1/experiments/"+started.ID, "bob", "").Code)
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/experiments/"+started.ID, "alice", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/experiments/"+started.ID, "alice", "").Code)
}

func TestExperimentsAPI_Events(t *testing.T) {
	h := newAPIHarness(t)
	started := h.start(t, "alice")

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/experiments/"+started.ID+"/events", "bob", "").Code)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/experiments/"+started.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(PrincipalHeader, "alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the execution finish once the stream is open.
	exe := h.launcher.last(t)
	go func() {
		time.Sleep(100 * time.Millisecond)
		exe.finish(0)
	}()

	var events []string
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, ev)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			lastData = data
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, output.TypeSnapshot, events[0])
	assert.Equal(t, output.TypeSummary, events[len(events)-1])

	var summary output.SummaryRecord
	require.NoError(t, json.Unmarshal([]byte(lastData), &summary))
	assert.Equal(t, experiment.StatusCompleted, summary.Status)
	assert.Equal(t, "alice", summary.Owner)
	require.NotNil(t, summary.ReturnCode)
	assert.Equal(t, 0, *summary.ReturnCode)
}

func TestExperimentsAPI_Results(t *testing.T) {
	h := newAPIHarness(t)
	started := h.start(t, "alice")
	require.NotEmpty(t, started.ResultDir)

	name := started.SessionID + "-alice_responses.csv"
	require.NoError(t, os.WriteFile(filepath.Join(started.ResultDir, name), []byte("q,a\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(started.ResultDir, "runner.log"), []byte("x"), 0644))

	rec := h.do(http.MethodGet, "/v1/experiments/"+started.ID+"/results", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body ResultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, started.ID, body.ID)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, name, body.Artifacts[0].Path)
	assert.Equal(t, "csv", body.Artifacts[0].Kind)
	assert.Equal(t, int64(4), body.Artifacts[0].Size)
	assert.False(t, body.Artifacts[0].ModTime.IsZero())

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/experiments/"+started.ID+"/results", "root", "").Code)

	denied := h.do(http.MethodGet, "/v1/experiments/"+started.ID+"/results", "bob", "")
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, output.ErrCodeAccessDenied, errorCode(t, denied))

	missing := h.do(http.MethodGet, "/v1/experiments/does-not-exist/results", "alice", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
}
