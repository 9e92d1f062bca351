package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/submission"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// statusForError maps core errors onto HTTP status codes.
func statusForError(err error) int {
	var (
		notFound   *submission.NotFoundError
		duplicate  *submission.DuplicateNameError
		fetchErr   *submission.FetchError
		combineErr *submission.CombineError
		submitErr  *submission.SubmissionError
	)

	switch {
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &duplicate),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &fetchErr), errors.As(err, &combineErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, submission.ErrBuildsDisabled):
		return http.StatusNotImplemented
	case errors.As(err, &submitErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusForError(err)

	if code >= http.StatusInternalServerError {
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Warn("Request failed")
	}

	writeJSON(w, code, errorResponse{err.Error()})
}

// pathID parses the {id} URL parameter. It writes a 400 and returns false
// when the parameter is not a UUID.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return uuid.Nil, false
	}

	return id, true
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runs ---

// handleCreateRun creates a run and submits it unless it waits on builds.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req submission.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.TestID == uuid.Nil || strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"test_id and name are required"})

		return
	}

	run, err := s.svc.CreateRun(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleAbortRun marks a run for cancellation; the reconciler aborts the
// engine jobs on its next pass.
func (s *server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := s.svc.AbortRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRunReports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)

		return
	}

	maps, err := s.store.ListReportMapsByOwner(r.Context(), store.RunOwner{ID: id})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, maps)
}

// --- Builds ---

type createBuildRequest struct {
	Software string `json:"software"`
	Commit   string `json:"commit"`
}

// handleCreateBuild starts an image build of a software commit, or
// returns a usable existing build.
func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Software == "" || req.Commit == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"software and commit are required"})

		return
	}

	sw, err := s.store.GetSoftwareByName(r.Context(), req.Software)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	version, err := s.store.GetOrCreateSoftwareVersion(r.Context(), sw.ID, req.Commit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	build, err := s.svc.StartBuild(r.Context(), version.ID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, build)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	build, err := s.store.GetSoftwareBuild(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, build)
}

// --- Report maps ---

type createReportMapRequest struct {
	OwnerKind string    `json:"owner_kind"`
	OwnerID   uuid.UUID `json:"owner_id"`
	ReportID  uuid.UUID `json:"report_id"`
}

// handleCreateReportMap generates a report for a run or a run group.
func (s *server) handleCreateReportMap(w http.ResponseWriter, r *http.Request) {
	var req createReportMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	owner, err := store.ParseOwnerKind(req.OwnerKind, req.OwnerID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	m, err := s.svc.StartReport(r.Context(), owner, req.ReportID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, m)
}

func (s *server) handleGetReportMap(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m, err := s.store.GetReportMap(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, m)
}
