package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/expvisor/internal/errors"
	"github.com/3leaps/expvisor/pkg/access"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/output"
	"github.com/3leaps/expvisor/pkg/resultns"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

// PrincipalHeader names the caller. The server trusts it; put an
// authenticating proxy in front when the listener is not local.
const PrincipalHeader = "X-Expvisor-Principal"

const maxBodyBytes = 64 << 10

// StartBody is the POST /v1/experiments request.
type StartBody struct {
	TemplateRef string `json:"template_ref"`
	Mode        string `json:"mode"`
}

// ListResponse is the GET /v1/experiments body.
type ListResponse struct {
	Experiments []experiment.Record `json:"experiments"`
	Count       int                 `json:"count"`
}

// ResultsResponse is the GET /v1/experiments/{id}/results body.
type ResultsResponse struct {
	ID        string              `json:"id"`
	Artifacts []resultns.Artifact `json:"artifacts"`
	Count     int                 `json:"count"`
}

// ExperimentsAPI serves the experiment lifecycle over HTTP.
type ExperimentsAPI struct {
	sup      *supervisor.Supervisor
	policy   *access.Policy
	detached bool
	log      *zap.Logger
}

// NewExperimentsAPI builds the API. With detached set, started experiments
// are monitored by their own supervisor process and survive a server
// restart.
func NewExperimentsAPI(sup *supervisor.Supervisor, policy *access.Policy, detached bool, log *zap.Logger) *ExperimentsAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExperimentsAPI{sup: sup, policy: policy, detached: detached, log: log}
}

// Routes returns the router mounted at /v1/experiments.
func (a *ExperimentsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.start)
	r.Get("/", a.list)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", a.get)
		r.Delete("/", a.delete)
		r.Post("/stop", a.stop)
		r.Get("/results", a.results)
		r.Get("/events", a.events)
	})
	return r
}

func (a *ExperimentsAPI) principal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	p, err := a.policy.Principal(r.Header.Get(PrincipalHeader))
	if err != nil {
		apperrors.Write(w, r, http.StatusUnauthorized, apperrors.CodeUnauthenticated,
			PrincipalHeader+" header is required", nil)
		return access.Principal{}, false
	}
	return p, true
}

func (a *ExperimentsAPI) start(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}

	var body StartBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, experiment.Validationf("invalid request body: %v", err))
		return
	}

	req := supervisor.StartRequest{TemplateRef: body.TemplateRef, Mode: body.Mode, Owner: p.ID}
	start := a.sup.Start
	if a.detached {
		start = a.sup.StartDetached
	}
	rec, err := start(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.log.Info("Experiment started via API",
		zap.String("id", rec.ID),
		zap.String("owner", rec.Owner),
		zap.String("mode", string(rec.Mode)),
	)
	w.Header().Set("Location", "/v1/experiments/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *ExperimentsAPI) list(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := supervisor.ListOptions{Owner: q.Get("owner")}
	if v := q.Get("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, r, experiment.Validationf("invalid all=%q", v))
			return
		}
		opts.All = all
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			st, err := experiment.ParseStatus(s)
			if err != nil {
				respondWithError(w, r, err)
				return
			}
			opts.Statuses = append(opts.Statuses, st)
		}
	}

	recs, err := a.sup.List(r.Context(), p, opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if recs == nil {
		recs = []experiment.Record{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Experiments: recs, Count: len(recs)})
}

func (a *ExperimentsAPI) get(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	rec, err := a.sup.Get(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *ExperimentsAPI) results(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	arts, err := a.sup.Results(r.Context(), id, p)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultsResponse{ID: id, Artifacts: arts, Count: len(arts)})
}

func (a *ExperimentsAPI) stop(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	rec, err := a.sup.Stop(r.Context(), chi.URLParam(r, "id"), p)
	if errors.Is(err, supervisor.ErrStopTimeout) && rec != nil {
		// Recorded but not yet confirmed by the monitoring loop.
		writeJSON(w, http.StatusAccepted, rec)
		return
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *ExperimentsAPI) delete(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.sup.Delete(r.Context(), chi.URLParam(r, "id"), p); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams snapshots as server-sent events until the experiment is
// terminal or the client goes away. The last event is a summary.
func (a *ExperimentsAPI) events(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.sup.Get(r.Context(), id, p); err != nil {
		respondWithError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var updates int64
	for rec, err := range a.sup.Monitor().Subscribe(r.Context(), id) {
		if err != nil {
			if r.Context().Err() == nil {
				_ = writeEvent(w, output.TypeError, output.ErrorRecordFrom(err))
				_ = rc.Flush()
			}
			return
		}
		updates++
		if err := writeEvent(w, output.TypeSnapshot, rec); err != nil {
			return
		}
		if rec.Status.Terminal() {
			_ = writeEvent(w, output.TypeSummary, output.SummaryFrom(rec, updates))
			_ = rc.Flush()
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
