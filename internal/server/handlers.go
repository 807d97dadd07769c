package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mov-extract/internal/document"
	"github.com/sells-group/mov-extract/internal/metrics"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
	"github.com/sells-group/mov-extract/internal/review"
	"github.com/sells-group/mov-extract/internal/store"
)

const (
	// queueScanLimit bounds the listing used to refresh the queue gauge.
	queueScanLimit = 10000

	defaultLookbackHours = 24
)

type errorResponse struct {
	Error string `json:"error"`
}

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	Report     model.MOVReport        `json:"report"`
	Validation model.ValidationReport `json:"validation"`
	Decision   model.ReviewDecision   `json:"decision"`
	Status     model.ReviewStatus     `json:"status"`
	Version    int                    `json:"version"`
}

// ReviewRequest is the body of POST /reports/{id}/review.
type ReviewRequest struct {
	Action string `json:"action"`
	Note   string `json:"note,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, document.ErrUnreadableDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, review.ErrIllegalTransition),
		errors.Is(err, review.ErrNotUnderReview):
		return http.StatusConflict
	case errors.Is(err, review.ErrActorRequired),
		errors.Is(err, review.ErrInvalidCorrection):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("server: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(s.maxUpload, 10)+" bytes")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			writeErr(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with a file field is required")
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, r, eris.Wrap(err, "read upload"))
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	var format document.Format
	if f := r.FormValue("format"); f != "" {
		format, err = document.ParseFormat(f)
	} else {
		format, err = document.DetectFormat(hdr.Filename, data)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.extractor.Extract(r.Context(), data, format, strings.TrimSpace(r.FormValue("source_id")), hdr.Filename)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.refreshQueueDepth(r.Context())

	st := res.Stored
	writeJSON(w, http.StatusCreated, UploadResponse{
		Report:     st.Report,
		Validation: st.Validation,
		Decision:   st.Decision,
		Status:     st.Status,
		Version:    st.Version,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status: model.ReviewStatus(q.Get("status")),
		Site:   q.Get("site"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}
	if v := q.Get("for_analytics"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "for_analytics must be a boolean")
			return
		}
		filter.ForAnalytics = b
	}

	reports, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	s.refreshQueueDepth(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	entries, err := s.store.GetLog(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusBadRequest, ActorHeader+" header is required")
		return
	}
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var to model.ReviewStatus
	switch strings.ToLower(req.Action) {
	case "approve":
		to = model.StatusApproved
	case "reject":
		to = model.StatusRejected
	default:
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	ctx := r.Context()
	st, err := s.store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	version := st.Version
	if err := review.Transition(st, to, actor, s.now(), req.Note); err != nil {
		writeErr(w, r, err)
		return
	}
	if _, err := s.store.Put(ctx, st, version); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.store.AppendLog(ctx, review.TransitionLog(st)); err != nil {
		zap.L().Warn("server: append transition log", zap.String("document_id", st.ID()), zap.Error(err))
	}
	metrics.ObserveReviewStatus(string(to))
	s.refreshQueueDepth(ctx)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusBadRequest, ActorHeader+" header is required")
		return
	}
	var corr review.Correction
	if err := json.NewDecoder(r.Body).Decode(&corr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	corr.Actor = actor
	corr.At = s.now()

	ctx := r.Context()
	st, err := s.store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	version := st.Version
	entry, err := s.corrector.ApplyCorrection(st, corr)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if _, err := s.store.Put(ctx, st, version); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		zap.L().Warn("server: append correction log", zap.String("document_id", st.ID()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.List(r.Context(), store.ListFilter{Status: model.StatusNeedsReview, Limit: queueScanLimit})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	metrics.SetQueueDepth(len(reports))
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	filter := resilience.DLQFilter{ErrorType: r.URL.Query().Get("error_type")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	failures, err := s.store.ListFailures(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hours := defaultLookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := s.monitor.Collect(r.Context(), hours)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// refreshQueueDepth updates the review queue gauge after a change.
func (s *Server) refreshQueueDepth(ctx context.Context) {
	reports, err := s.store.List(ctx, store.ListFilter{Status: model.StatusNeedsReview, Limit: queueScanLimit})
	if err != nil {
		zap.L().Warn("server: refresh queue depth", zap.Error(err))
		return
	}
	metrics.SetQueueDepth(len(reports))
}
