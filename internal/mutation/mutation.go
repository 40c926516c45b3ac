// Package mutation defines the change records submitted to the dispatcher.
package mutation

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"teamcal/internal/access"
	"teamcal/internal/apperr"
	"teamcal/internal/model"
	"teamcal/internal/recurrence"
)

// Kind tags the variant a Mutation carries.
type Kind string

const (
	EventCreated      Kind = "event_created"
	EventUpdated      Kind = "event_updated"
	EventCancelled    Kind = "event_cancelled"
	EventReminder     Kind = "event_reminder"
	TaskAssigned      Kind = "task_assigned"
	TaskUpdated       Kind = "task_updated"
	TaskDueSoon       Kind = "task_due_soon"
	FileUploaded      Kind = "file_uploaded"
	FileDeadline      Kind = "file_deadline"
	MemberJoined      Kind = "member_joined"
	PermissionChanged Kind = "permission_changed"
)

// Kinds lists every variant.
var Kinds = []Kind{
	EventCreated, EventUpdated, EventCancelled, EventReminder,
	TaskAssigned, TaskUpdated, TaskDueSoon,
	FileUploaded, FileDeadline,
	MemberJoined, PermissionChanged,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// System reports whether the kind is produced by the time-driven scanner
// rather than by a user action.
func (k Kind) System() bool {
	return k == EventReminder || k == TaskDueSoon || k == FileDeadline
}

// IsEvent reports whether the kind changes calendar state.
func (k Kind) IsEvent() bool {
	return k == EventCreated || k == EventUpdated || k == EventCancelled
}

// Grant is a calendar or project share; exactly one of CalendarID and
// ProjectID is set.
type Grant struct {
	CalendarID string           `json:"calendar_id,omitempty"`
	ProjectID  string           `json:"project_id,omitempty"`
	UserID     string           `json:"user_id" validate:"required"`
	Permission model.Permission `json:"permission"`
}

// Mutation is a tagged variant: Kind selects which payload pointer is set.
type Mutation struct {
	// ID is the idempotency key; resubmitting the same ID is a no-op.
	ID          string    `json:"id" validate:"required,max=200"`
	Kind        Kind      `json:"kind" validate:"required"`
	ActorID     string    `json:"actor_id"`
	SubmittedAt time.Time `json:"submitted_at"`

	Event      *model.Event      `json:"event,omitempty"`
	Task       *model.Task       `json:"task,omitempty"`
	File       *model.File       `json:"file,omitempty"`
	Membership *model.Membership `json:"membership,omitempty"`
	Grant      *Grant            `json:"grant,omitempty"`

	// OccurrenceStart pins an EventReminder to one occurrence.
	OccurrenceStart *time.Time `json:"occurrence_start,omitempty"`

	// Version is assigned by the store when the mutation commits.
	Version int64 `json:"version,omitempty"`
}

var validate = validator.New()

const validateOp = "mutation.Validate"

// Validate checks the payload shape and the domain invariants of m.
func (m *Mutation) Validate() error {
	if m == nil {
		return apperr.Validation(validateOp, "mutation is nil")
	}
	if err := validate.Struct(m); err != nil {
		return apperr.Validation(validateOp, "%s", formatErrors(err))
	}
	if !m.Kind.Valid() {
		return apperr.Validation(validateOp, "unknown kind %q", m.Kind)
	}
	if m.ActorID == "" && !m.Kind.System() {
		return apperr.Validation(validateOp, "actor is required for %s", m.Kind)
	}

	switch m.Kind {
	case EventCreated, EventUpdated, EventCancelled, EventReminder:
		if m.Event == nil {
			return apperr.Validation(validateOp, "%s requires an event", m.Kind)
		}
		return validateEvent(m.Event)
	case TaskAssigned, TaskUpdated, TaskDueSoon:
		if m.Task == nil {
			return apperr.Validation(validateOp, "%s requires a task", m.Kind)
		}
		if m.Kind == TaskAssigned && (m.Task.AssigneeID == nil || *m.Task.AssigneeID == "") {
			return apperr.Validation(validateOp, "task_assigned requires an assignee")
		}
		if m.Task.Status != "" && !m.Task.Status.Valid() {
			return apperr.Validation(validateOp, "invalid task status %q", m.Task.Status)
		}
		if m.Task.Priority != "" && !m.Task.Priority.Valid() {
			return apperr.Validation(validateOp, "invalid task priority %q", m.Task.Priority)
		}
	case FileUploaded, FileDeadline:
		if m.File == nil {
			return apperr.Validation(validateOp, "%s requires a file", m.Kind)
		}
		if m.Kind == FileDeadline && m.File.Deadline == nil {
			return apperr.Validation(validateOp, "file_deadline requires a deadline")
		}
	case MemberJoined:
		if m.Membership == nil {
			return apperr.Validation(validateOp, "member_joined requires a membership")
		}
		if !m.Membership.Role.Valid() {
			return apperr.Validation(validateOp, "invalid role %q", m.Membership.Role)
		}
	case PermissionChanged:
		if m.Grant == nil {
			return apperr.Validation(validateOp, "permission_changed requires a grant")
		}
		if (m.Grant.CalendarID == "") == (m.Grant.ProjectID == "") {
			return apperr.Validation(validateOp, "grant must target exactly one calendar or project")
		}
		if m.Grant.Permission < model.PermissionNone || m.Grant.Permission > model.PermissionManage {
			return apperr.Validation(validateOp, "invalid permission %d", m.Grant.Permission)
		}
	}
	return nil
}

func validateEvent(ev *model.Event) error {
	if ev.End.Before(ev.Start) {
		return apperr.Validation(validateOp, "event %q ends before it starts", ev.ID)
	}
	if ev.Status != "" && !ev.Status.Valid() {
		return apperr.Validation(validateOp, "invalid event status %q", ev.Status)
	}
	if ev.IsOverride() {
		if ev.IsRecurring() {
			return apperr.Validation(validateOp, "override %q cannot carry a recurrence rule", ev.ID)
		}
		if ev.RecurrenceID == nil {
			return apperr.Validation(validateOp, "override %q requires a recurrence id", ev.ID)
		}
	}
	if ev.IsRecurring() {
		if _, err := recurrence.Parse(ev.RecurrenceRule, ev.Loc()); err != nil {
			return err
		}
	}
	if ev.RecurrenceEnd != nil && ev.RecurrenceEnd.Before(ev.Start) {
		return apperr.Validation(validateOp, "recurrence end precedes event start")
	}
	return nil
}

func formatErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	var msgs []string
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, ", ")
}

// Normalize fills defaults and converts instants to UTC. Call after Validate.
func (m *Mutation) Normalize(now time.Time) {
	if m.SubmittedAt.IsZero() {
		m.SubmittedAt = now.UTC()
	}
	if ev := m.Event; ev != nil {
		ev.Start = ev.Start.UTC()
		ev.End = ev.End.UTC()
		if ev.Status == "" {
			ev.Status = model.EventConfirmed
		}
		if m.Kind == EventCancelled {
			ev.Status = model.EventCancelled
		}
		if ev.CreatedBy == "" {
			ev.CreatedBy = m.ActorID
		}
	}
	if t := m.Task; t != nil {
		if t.Status == "" {
			t.Status = model.TaskTodo
		}
		if t.Priority == "" {
			t.Priority = model.PriorityMedium
		}
		if t.CreatedBy == "" {
			t.CreatedBy = m.ActorID
		}
	}
	if f := m.File; f != nil && f.UploadedBy == "" {
		f.UploadedBy = m.ActorID
	}
}

// ResourceType is the type of the record the mutation changes.
func (m *Mutation) ResourceType() model.ResourceType {
	switch {
	case m.Event != nil:
		return model.ResourceEvent
	case m.Task != nil:
		return model.ResourceTask
	case m.File != nil:
		return model.ResourceFile
	case m.Membership != nil:
		return model.ResourceTeam
	case m.Grant != nil && m.Grant.CalendarID != "":
		return model.ResourceCalendar
	case m.Grant != nil:
		return model.ResourceProject
	}
	return ""
}

// ResourceID is the serialization key: mutations sharing it are applied in
// submission order.
func (m *Mutation) ResourceID() string {
	switch {
	case m.Event != nil:
		return m.Event.ID
	case m.Task != nil:
		return m.Task.ID
	case m.File != nil:
		return m.File.ID
	case m.Membership != nil:
		return m.Membership.TeamID
	case m.Grant != nil && m.Grant.CalendarID != "":
		return m.Grant.CalendarID
	case m.Grant != nil:
		return m.Grant.ProjectID
	}
	return ""
}

// Check is one permission the actor must hold for a mutation to apply.
type Check struct {
	Resource access.Resource
	Need     model.Permission
}

// Requirements lists every check m must pass against snap. A record that
// already exists is checked where it lives as well as where the payload
// puts it, so a create cannot overwrite and an update cannot move a record
// into a scope the actor cannot write. System mutations without an actor
// return nil.
func (m *Mutation) Requirements(snap *access.Snapshot) ([]Check, error) {
	const op = "mutation.Requirements"
	if m.Kind.System() && m.ActorID == "" {
		return nil, nil
	}
	switch m.Kind {
	case EventCreated, EventUpdated, EventCancelled, EventReminder:
		checks := []Check{{access.CalendarRef{ID: m.Event.CalendarID}, model.PermissionWrite}}
		if _, exists := snap.Event(m.Event.ID); exists {
			checks = append(checks, Check{access.EventRef{ID: m.Event.ID}, model.PermissionWrite})
		}
		if m.Event.ParentEventID != nil {
			parentID := *m.Event.ParentEventID
			parent, ok := snap.Event(parentID)
			if !ok {
				return nil, apperr.NotFound(op, "event", parentID)
			}
			if parent.ParentEventID != nil {
				return nil, apperr.Validation(op, "override parent %s is itself an override", parentID)
			}
			if parent.CalendarID != m.Event.CalendarID {
				return nil, apperr.Validation(op, "override must stay on calendar %s of its series", parent.CalendarID)
			}
			checks = append(checks, Check{access.EventRef{ID: parentID}, model.PermissionWrite})
		}
		return checks, nil

	case TaskAssigned, TaskUpdated, TaskDueSoon:
		scope := Check{access.TeamRef{ID: m.Task.TeamID}, model.PermissionRead}
		if m.Task.ProjectID != nil {
			scope = Check{access.ProjectRef{ID: *m.Task.ProjectID}, model.PermissionRead}
		}
		checks := []Check{scope}
		if _, exists := snap.Task(m.Task.ID); exists {
			checks = append(checks, Check{access.TaskRef{ID: m.Task.ID}, model.PermissionWrite})
		}
		return checks, nil

	case FileUploaded, FileDeadline:
		checks := []Check{{access.ProjectRef{ID: m.File.ProjectID}, model.PermissionWrite}}
		if _, exists := snap.File(m.File.ID); exists {
			checks = append(checks, Check{access.FileRef{ID: m.File.ID}, model.PermissionWrite})
		}
		return checks, nil

	case MemberJoined:
		return []Check{{access.TeamRef{ID: m.Membership.TeamID}, model.PermissionManage}}, nil

	case PermissionChanged:
		if m.Grant.CalendarID != "" {
			return []Check{{access.CalendarRef{ID: m.Grant.CalendarID}, model.PermissionManage}}, nil
		}
		return []Check{{access.ProjectRef{ID: m.Grant.ProjectID}, model.PermissionManage}}, nil
	}
	return nil, nil
}

// Summary is a short human-readable title for notifications and audit rows.
func (m *Mutation) Summary() string {
	switch {
	case m.Event != nil:
		return m.Event.Title
	case m.Task != nil:
		return m.Task.Title
	case m.File != nil:
		return m.File.Name
	case m.Membership != nil:
		return m.Membership.UserID
	case m.Grant != nil:
		return m.Grant.UserID + " " + m.Grant.Permission.String()
	}
	return ""
}
