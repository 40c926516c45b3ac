package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"teamcal/internal/access"
	"teamcal/internal/apperr"
	"teamcal/internal/conflict"
	"teamcal/internal/dispatch"
	"teamcal/internal/ics"
	appLog "teamcal/internal/log"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/recurrence"
	"teamcal/internal/storage"
)

const (
	maxBodyBytes   = 1 << 20
	maxImportBytes = 8 << 20
)

// handleSubmit handles POST /api/mutations[?strict=1].
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var m mutation.Mutation
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	m.ActorID = actorFrom(r)
	m.Version = 0

	ack, err := s.deps.Dispatcher.Submit(r.Context(), &m, dispatch.SubmitOptions{Strict: parseBool(r.URL.Query().Get("strict"))})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "conflicts": ack.Conflicts})
			return
		}
		writeErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if ack.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, ack)
}

// calendarFor loads a snapshot and checks the actor's level on calendar id.
func (s *Server) calendarFor(r *http.Request, id string, need model.Permission) (model.Calendar, *access.Snapshot, error) {
	snap, err := s.deps.Store.Snapshot(r.Context(), storage.Scope{})
	if err != nil {
		return model.Calendar{}, nil, err
	}
	cal, ok := snap.Calendar(id)
	if !ok {
		return cal, nil, apperr.NotFound("web.calendar", "calendar", id)
	}
	if err := access.Require(snap, actorFrom(r), access.CalendarRef{ID: id}, need); err != nil {
		return cal, nil, err
	}
	return cal, snap, nil
}

// handleOccurrences handles GET /api/calendars/{id}/occurrences?from&to.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	win, err := s.window(r, 0, 7*24*time.Hour)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if _, _, err := s.calendarFor(r, id, model.PermissionRead); err != nil {
		writeErr(w, r, err)
		return
	}
	occs, err := s.deps.Occurrences.CalendarOccurrences(r.Context(), []string{id}, win)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if occs == nil {
		occs = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calendar_id": id,
		"range_start": win.Start,
		"range_end":   win.End,
		"occurrences": occs,
	})
}

// handleExport handles GET /api/calendars/{id}/calendar.ics.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	win, err := s.window(r, 30*24*time.Hour, 365*24*time.Hour)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	cal, _, err := s.calendarFor(r, id, model.PermissionRead)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	occs, err := s.deps.Occurrences.CalendarOccurrences(r.Context(), []string{id}, win)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.ics"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ics.Export(cal, occs, s.now()))
}

type importFailure struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

type importResult struct {
	Imported   int             `json:"imported"`
	Duplicates int             `json:"duplicates"`
	Failed     []importFailure `json:"failed,omitempty"`
}

// handleImport handles POST /api/calendars/{id}/import with an iCalendar
// body. Each event is submitted as its own mutation; re-posting the same
// body is a no-op.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := actorFrom(r)
	if _, _, err := s.calendarFor(r, id, model.PermissionWrite); err != nil {
		writeErr(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	events, err := ics.Parse(id, actor, body)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	digest := uuid.NewSHA1(uuid.NameSpaceOID, body).String()
	var res importResult
	for i := range events {
		ev := events[i]
		m := &mutation.Mutation{
			ID:      "import:" + ev.ID + ":" + digest,
			Kind:    mutation.EventCreated,
			ActorID: actor,
			Event:   &ev,
		}
		ack, err := s.deps.Dispatcher.Submit(r.Context(), m, dispatch.SubmitOptions{})
		switch {
		case err != nil:
			res.Failed = append(res.Failed, importFailure{EventID: ev.ID, Error: err.Error()})
		case ack.Duplicate:
			res.Duplicates++
		default:
			res.Imported++
		}
	}
	appLog.Info("ics import", "calendar", id, "actor", actor, "imported", res.Imported, "duplicates", res.Duplicates, "failed", len(res.Failed))
	writeJSON(w, http.StatusOK, res)
}

type conflictRequest struct {
	Event       model.Event `json:"event"`
	CalendarIDs []string    `json:"calendar_ids,omitempty"`
	Attendees   []string    `json:"attendees,omitempty"`
	From        *time.Time  `json:"from,omitempty"`
	To          *time.Time  `json:"to,omitempty"`
}

// handleConflicts handles POST /api/conflicts. With attendees set, the
// candidate is compared across every calendar each attendee owns or can
// write; otherwise against its own calendar. Conflicts on calendars the
// requester cannot read come back as free/busy spans.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var req conflictRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ev := req.Event
	if ev.CalendarID == "" || ev.End.Before(ev.Start) {
		writeError(w, http.StatusBadRequest, "event needs a calendar and a non-negative span")
		return
	}
	ev.Start, ev.End = ev.Start.UTC(), ev.End.UTC()

	_, snap, err := s.calendarFor(r, ev.CalendarID, model.PermissionRead)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	win := recurrence.Window{Start: ev.Start, End: ev.End}
	if ev.IsRecurring() {
		win.End = ev.Start.Add(90 * 24 * time.Hour)
	}
	if req.From != nil {
		win.Start = req.From.UTC()
	}
	if req.To != nil {
		win.End = req.To.UTC()
	}
	if !win.End.After(win.Start) {
		win.End = win.Start.Add(time.Minute)
	}

	calendarIDs := req.CalendarIDs
	if len(calendarIDs) == 0 {
		calendarIDs = []string{ev.CalendarID}
	}

	var found []conflict.Conflict
	if len(req.Attendees) > 0 {
		found, err = s.deps.Conflicts.FindAttendeeConflicts(r.Context(), snap, req.Attendees, win, ev)
	} else {
		found, err = s.deps.Conflicts.FindConflicts(r.Context(), calendarIDs, win, ev)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflict.VisibleTo(snap, actorFrom(r), found)})
}

// handleNotifications handles GET /api/notifications[?unread=1&limit=N].
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Store.ListNotifications(r.Context(), actorFrom(r), parseBool(q.Get("unread")), parseIntDefault(q.Get("limit"), 0))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

// handleMarkRead handles POST /api/notifications/{id}/read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.MarkRead(r.Context(), actorFrom(r), chi.URLParam(r, "id"), s.now()); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream handles GET /api/notifications/ws.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		writeError(w, http.StatusNotImplemented, "in_app stream disabled")
		return
	}
	s.deps.Stream.ServeWS(w, r, actorFrom(r))
}
