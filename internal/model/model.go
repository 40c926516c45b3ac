package model

import (
	"time"
)

// User is the profile the engine needs for recipient resolution.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	// TimeZone is the user's IANA zone, used for reminders and rendering.
	TimeZone string `json:"timezone,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Membership is unique per (UserID, TeamID).
type Membership struct {
	UserID   string    `json:"user_id" validate:"required"`
	TeamID   string    `json:"team_id" validate:"required"`
	Role     Role      `json:"role" validate:"required"`
	JoinedAt time.Time `json:"joined_at"`
}

type Project struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived,omitempty"`
}

// ProjectGrant is an explicit share of a project with a single user.
type ProjectGrant struct {
	ProjectID  string     `json:"project_id" validate:"required"`
	UserID     string     `json:"user_id" validate:"required"`
	Permission Permission `json:"permission"`
}

// Calendar is personal when TeamID is nil.
type Calendar struct {
	ID         string     `json:"id"`
	TeamID     *string    `json:"team_id,omitempty"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Color      string     `json:"color,omitempty"`
	Visibility Visibility `json:"visibility"`
	IsDefault  bool       `json:"is_default,omitempty"`
}

// CalendarGrant only ever raises the visibility default, never lowers it.
type CalendarGrant struct {
	CalendarID string     `json:"calendar_id" validate:"required"`
	UserID     string     `json:"user_id" validate:"required"`
	Permission Permission `json:"permission"`
}

// Event is a calendar entry. A recurring event carries a RecurrenceRule and
// generates occurrences on demand; an override carries ParentEventID and the
// RecurrenceID of the original occurrence it replaces.
type Event struct {
	ID          string `json:"id" validate:"required"`
	CalendarID  string `json:"calendar_id" validate:"required"`
	CreatedBy   string `json:"created_by"`
	Title       string `json:"title" validate:"required,max=500"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Start / End are UTC instants. TimeZone is the display zone in which
	// recurrence rules and all-day boundaries are interpreted.
	Start    time.Time `json:"start" validate:"required"`
	End      time.Time `json:"end" validate:"required"`
	TimeZone string    `json:"timezone,omitempty"`
	AllDay   bool      `json:"all_day"`

	Status EventStatus `json:"status"`

	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
	RecurrenceEnd  *time.Time `json:"recurrence_end,omitempty"`

	ParentEventID *string    `json:"parent_event_id,omitempty"`
	RecurrenceID  *time.Time `json:"recurrence_id,omitempty"`

	ReminderMinutes []int `json:"reminder_minutes,omitempty" validate:"omitempty,dive,gte=0"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsRecurring reports whether the event generates a series.
func (e Event) IsRecurring() bool {
	return e.RecurrenceRule != ""
}

// IsOverride reports whether the event replaces one occurrence of a series.
func (e Event) IsOverride() bool {
	return e.ParentEventID != nil
}

// Duration is the length of a single occurrence.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Loc resolves the display time zone, falling back to UTC for empty or
// unknown zone names.
func (e Event) Loc() *time.Location {
	return LoadLocation(e.TimeZone)
}

type Task struct {
	ID          string       `json:"id" validate:"required"`
	TeamID      string       `json:"team_id" validate:"required"`
	ProjectID   *string      `json:"project_id,omitempty"`
	Title       string       `json:"title" validate:"required,max=500"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	AssigneeID  *string      `json:"assignee_id,omitempty"`
	CreatedBy   string       `json:"created_by"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	// Position orders tasks within (TeamID, ProjectID); ties break on ID.
	Position  float64   `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File is upload metadata only; blobs live in external storage.
type File struct {
	ID         string     `json:"id" validate:"required"`
	ProjectID  string     `json:"project_id" validate:"required"`
	UploadedBy string     `json:"uploaded_by"`
	Name       string     `json:"name" validate:"required"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// Notification is created once per dedup key and afterwards only mutated to
// record deliveries and read_at.
type Notification struct {
	ID              string           `json:"id"`
	RecipientID     string           `json:"recipient_id"`
	Type            NotificationType `json:"type"`
	ResourceType    ResourceType     `json:"resource_type"`
	ResourceID      string           `json:"resource_id"`
	MutationVersion int64            `json:"mutation_version"`
	Title           string           `json:"title"`
	Body            string           `json:"body,omitempty"`
	Channels        []Channel        `json:"channels"`
	Delivered       []Channel        `json:"delivered,omitempty"`
	SentAt          time.Time        `json:"sent_at"`
	ReadAt          *time.Time       `json:"read_at,omitempty"`
}

// DedupKey identifies a logically unique notification.
type DedupKey struct {
	RecipientID     string
	Type            NotificationType
	ResourceID      string
	MutationVersion int64
}

func (n Notification) Key() DedupKey {
	return DedupKey{
		RecipientID:     n.RecipientID,
		Type:            n.Type,
		ResourceID:      n.ResourceID,
		MutationVersion: n.MutationVersion,
	}
}

// AuditLog rows are append-only.
type AuditLog struct {
	ID           string         `json:"id"`
	TeamID       *string        `json:"team_id,omitempty"`
	UserID       *string        `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ChannelPreference lists the channels a user opted into for one
// notification type, on top of in_app.
type ChannelPreference struct {
	UserID   string           `json:"user_id"`
	Type     NotificationType `json:"type"`
	Channels []Channel        `json:"channels"`
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	// EventID is the series (or single event) the occurrence belongs to.
	EventID    string `json:"event_id"`
	CalendarID string `json:"calendar_id"`
	// SourceEventID is the row that supplied the fields: EventID itself, or
	// the override event when IsOverride is set.
	SourceEventID string `json:"source_event_id"`
	IsOverride    bool   `json:"is_override"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the original start instant.
	InstanceKey string `json:"instance_key"`

	Title  string      `json:"title"`
	Status EventStatus `json:"status"`
	AllDay bool        `json:"all_day"`

	// Start / End are UTC instants; OriginalStart is the generated instant
	// before any override moved it.
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	OriginalStart time.Time `json:"original_start"`
}

// LoadLocation resolves an IANA name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
