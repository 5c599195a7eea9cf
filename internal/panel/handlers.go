package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fabula-ai/fabula/internal/diagram"
	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// handleStatus reports whether a run is active and where it stands.
func (s *PanelServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"active": false}
	if s.deps.Workflow != nil {
		resp["workflow"] = s.deps.Workflow.Name
	}
	if runID, status, state, ok := s.deps.Controller.Active(); ok {
		resp["active"] = true
		resp["run_id"] = runID
		resp["status"] = status
		resp["state"] = state
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRuns lists runs, newest first.
func (s *PanelServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		StoryID: q.Get("story_id"),
		UserID:  q.Get("user_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if status := q.Get("status"); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunDetail returns one run with its cost summary, outputs, and the
// manifest's visit counts.
func (s *PanelServer) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := s.deps.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := map[string]any{"run": run}
	if outputs, oErr := s.deps.Store.ListOutputs(r.Context(), runID); oErr == nil {
		resp["outputs"] = outputs
	}
	if s.deps.Ledger != nil {
		resp["cost"] = s.deps.Ledger.Summary(r.Context(), runID)
	}
	if manifest, mErr := eventlog.ReadManifest(s.deps.DataDir, runID); mErr == nil {
		resp["visits"] = manifest.Visits
		if manifest.LastScore != nil {
			resp["last_score"] = *manifest.LastScore
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunEvents returns a run's event log from the given sequence onward.
func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	events, err := eventlog.Read(s.deps.DataDir, runID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleApprove resolves a pending review on the run.
func (s *PanelServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var body struct {
		Decision string `json:"decision"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	decision := schema.Decision(body.Decision)
	if !decision.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be approved, feedback, or abort")
		return
	}

	if !s.deps.Controller.SubmitApproval(runID, decision, body.Feedback) {
		writeError(w, http.StatusConflict, "no pending review to resolve")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": runID, "decision": decision})
}

// handlePause requests a pause at the next state boundary.
func (s *PanelServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(runID string) error {
		return s.deps.Controller.Pause(runID)
	})
}

// handleResume wakes a paused run.
func (s *PanelServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(runID string) error {
		return s.deps.Controller.Resume(r.Context(), runID)
	})
}

// handleAbort aborts the run.
func (s *PanelServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(runID string) error {
		return s.deps.Controller.Abort(runID)
	})
}

func (s *PanelServer) control(w http.ResponseWriter, r *http.Request, op func(runID string) error) {
	runID := r.PathValue("id")
	if err := op(runID); err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": runID})
}

// controlStatus maps engine errors to HTTP statuses.
func controlStatus(err error) int {
	var fe *schema.FabulaError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeNotFound:
			return http.StatusNotFound
		case schema.ErrCodeConflict, schema.ErrCodeAlreadyRunning:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// handleDiagram renders the workflow graph.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}

	var manifest *eventlog.Manifest
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		m, err := eventlog.ReadManifest(s.deps.DataDir, runID)
		if err != nil {
			writeError(w, http.StatusNotFound, "run manifest not found")
			return
		}
		manifest = m
	}

	model, err := diagram.Build(s.deps.Workflow, manifest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var text string
	switch format {
	case "ascii":
		text = diagram.RenderASCII(model)
	case "mermaid":
		text = diagram.RenderMermaid(model)
	case "dot":
		text = diagram.RenderDOT(model)
	default:
		writeError(w, http.StatusBadRequest, "format must be ascii, mermaid, or dot")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
