package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/api/webhookauth"
	"github.com/BTreeMap/SessionPipe/internal/automation"
	"github.com/BTreeMap/SessionPipe/internal/backup"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/session"
	"github.com/go-chi/chi/v5"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			slog.Warn("Server.healthHandler: not ready", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if s.limiter != nil && !s.limiter.Allow() {
		slog.Warn("Server.webhookHandler: rate limit exceeded", "provider", provider)
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	body, err := readBody(r, s.maxBodyBytes)
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "provider", provider, "error", err)
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	if s.webhookSecret != "" {
		err := webhookauth.Verify(webhookauth.Input{
			Secret:          s.webhookSecret,
			TimestampHeader: r.Header.Get(HeaderEventTimestamp),
			SignatureHeader: r.Header.Get(HeaderSignature),
			Body:            body,
			Now:             s.deps.Jobs.Now(),
		})
		if err != nil {
			slog.Warn("Server.webhookHandler: signature rejected", "provider", provider, "error", err)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	res, err := s.deps.Ingestor.Ingest(r.Context(), provider, r.Header.Get(HeaderEventID), body)
	switch {
	case errors.Is(err, automation.ErrInvalidPayload), errors.Is(err, automation.ErrMissingEventID):
		slog.Warn("Server.webhookHandler: rejected delivery", "provider", provider, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Server.webhookHandler: ingest failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to accept webhook")
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.APIResponse{
		Status:  string(models.APIStatusAccepted),
		Message: "Webhook accepted",
		Result:  res,
	})
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, errors.New("failed to read body")
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		slog.Error("Server.getJobHandler: lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}

// backupScheduleView is the admin representation of the backup schedule.
type backupScheduleView struct {
	Config  *models.ScheduleConfig `json:"config"`
	NextRun *time.Time             `json:"next_run,omitempty"`
}

func (s *Server) getBackupScheduleHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Schedules.GetScheduleConfig(r.Context())
	if err != nil {
		slog.Error("Server.getBackupScheduleHandler: lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load backup schedule")
		return
	}
	view := backupScheduleView{Config: cfg}
	if job, err := s.deps.Jobs.Get(r.Context(), backup.JobID); err == nil && job != nil && job.Status == models.JobStatusPending {
		view.NextRun = &job.DueAt
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) putBackupScheduleHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var cfg models.ScheduleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		slog.Warn("Server.putBackupScheduleHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	next, err := s.deps.Planner.UpdateConfig(r.Context(), cfg)
	if isValidationError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("Server.putBackupScheduleHandler: update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update backup schedule")
		return
	}
	saved, _ := s.deps.Schedules.GetScheduleConfig(r.Context())
	writeJSONResponse(w, http.StatusOK, models.Success(backupScheduleView{Config: saved, NextRun: next}))
}

func isValidationError(err error) bool {
	return errors.Is(err, models.ErrInvalidDayOfWeek) ||
		errors.Is(err, models.ErrInvalidTimeOfDay) ||
		errors.Is(err, models.ErrInvalidTimezone)
}

type startTimerRequest struct {
	Room               string   `json:"room"`
	UserIDs            []string `json:"user_ids"`
	MaxDurationSeconds int64    `json:"max_duration_seconds"`
}

// timerView pairs the stored state with a computed snapshot.
type timerView struct {
	State *models.SessionTimerState `json:"state"`
	Timer models.TimerInfo          `json:"timer"`
}

func (s *Server) timerResponse(st *models.SessionTimerState) models.APIResponse {
	return models.Success(timerView{State: st, Timer: st.Snapshot(s.deps.Timers.Now())})
}

func (s *Server) startTimerHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startTimerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid JSON format")
			return
		}
	}
	if req.MaxDurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "max_duration_seconds must not be negative")
		return
	}
	st, err := s.deps.Timers.Start(r.Context(), id, req.Room, req.UserIDs, time.Duration(req.MaxDurationSeconds)*time.Second)
	if err != nil {
		s.writeTimerError(w, "start", id, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, s.timerResponse(st))
}

func (s *Server) getTimerHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Timers.Get(r.Context(), id)
	if err != nil {
		s.writeTimerError(w, "get", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.timerResponse(st))
}

func (s *Server) timerActionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := strings.ToLower(chi.URLParam(r, "action"))
	var (
		st  *models.SessionTimerState
		err error
	)
	switch action {
	case "pause":
		st, err = s.deps.Timers.Pause(r.Context(), id)
	case "resume":
		st, err = s.deps.Timers.Resume(r.Context(), id)
	case "end":
		st, err = s.deps.Timers.End(r.Context(), id)
	case "activity":
		st, err = s.deps.Timers.Touch(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "Unknown timer action")
		return
	}
	if err != nil {
		s.writeTimerError(w, action, id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.timerResponse(st))
}

func (s *Server) writeTimerError(w http.ResponseWriter, action, id string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session timer not found")
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Server.timerHandler: operation failed", "action", action, "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Session timer operation failed")
	}
}
