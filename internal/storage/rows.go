package storage

import (
	"time"

	"teamcal/internal/model"
)

type userRow struct {
	ID       string `gorm:"primaryKey;column:id;type:varchar(64)"`
	Email    string `gorm:"column:email;type:varchar(255)"`
	FullName string `gorm:"column:full_name;type:varchar(255)"`
	TimeZone string `gorm:"column:timezone;type:varchar(64)"`
	Deleted  bool   `gorm:"column:deleted;not null;default:false"`
}

func (userRow) TableName() string { return "users" }

type teamRow struct {
	ID   string `gorm:"primaryKey;column:id;type:varchar(64)"`
	Name string `gorm:"column:name;type:varchar(255);not null"`
	Slug string `gorm:"column:slug;type:varchar(255);uniqueIndex"`
}

func (teamRow) TableName() string { return "teams" }

type membershipRow struct {
	UserID   string    `gorm:"primaryKey;column:user_id;type:varchar(64)"`
	TeamID   string    `gorm:"primaryKey;column:team_id;type:varchar(64);index"`
	Role     string    `gorm:"column:role;type:varchar(16);not null"`
	JoinedAt time.Time `gorm:"column:joined_at"`
}

func (membershipRow) TableName() string { return "memberships" }

type calendarRow struct {
	ID         string  `gorm:"primaryKey;column:id;type:varchar(64)"`
	TeamID     *string `gorm:"column:team_id;type:varchar(64);index"`
	OwnerID    string  `gorm:"column:owner_id;type:varchar(64);not null;index"`
	Name       string  `gorm:"column:name;type:varchar(255)"`
	Color      string  `gorm:"column:color;type:varchar(16)"`
	Visibility string  `gorm:"column:visibility;type:varchar(16);not null"`
	IsDefault  bool    `gorm:"column:is_default"`
}

func (calendarRow) TableName() string { return "calendars" }

type calendarGrantRow struct {
	CalendarID string `gorm:"primaryKey;column:calendar_id;type:varchar(64)"`
	UserID     string `gorm:"primaryKey;column:user_id;type:varchar(64);index"`
	Permission string `gorm:"column:permission;type:varchar(16);not null"`
}

func (calendarGrantRow) TableName() string { return "calendar_grants" }

type projectRow struct {
	ID       string `gorm:"primaryKey;column:id;type:varchar(64)"`
	TeamID   string `gorm:"column:team_id;type:varchar(64);not null;index"`
	Name     string `gorm:"column:name;type:varchar(255)"`
	Archived bool   `gorm:"column:archived"`
}

func (projectRow) TableName() string { return "projects" }

type projectGrantRow struct {
	ProjectID  string `gorm:"primaryKey;column:project_id;type:varchar(64)"`
	UserID     string `gorm:"primaryKey;column:user_id;type:varchar(64);index"`
	Permission string `gorm:"column:permission;type:varchar(16);not null"`
}

func (projectGrantRow) TableName() string { return "project_grants" }

type eventRow struct {
	ID              string     `gorm:"primaryKey;column:id;type:varchar(64)"`
	CalendarID      string     `gorm:"column:calendar_id;type:varchar(64);not null;index"`
	CreatedBy       string     `gorm:"column:created_by;type:varchar(64)"`
	Title           string     `gorm:"column:title;type:varchar(500)"`
	Description     string     `gorm:"column:description;type:text"`
	Location        string     `gorm:"column:location;type:varchar(500)"`
	StartAt         time.Time  `gorm:"column:start_at;not null;index"`
	EndAt           time.Time  `gorm:"column:end_at;not null"`
	TimeZone        string     `gorm:"column:timezone;type:varchar(64)"`
	AllDay          bool       `gorm:"column:all_day"`
	Status          string     `gorm:"column:status;type:varchar(16);not null"`
	RecurrenceRule  string     `gorm:"column:recurrence_rule;type:varchar(500)"`
	RecurrenceEnd   *time.Time `gorm:"column:recurrence_end"`
	ParentEventID   *string    `gorm:"column:parent_event_id;type:varchar(64);index"`
	RecurrenceID    *time.Time `gorm:"column:recurrence_id"`
	ReminderMinutes []int      `gorm:"column:reminder_minutes;type:text;serializer:json"`
	HasReminders    bool       `gorm:"column:has_reminders;index"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (eventRow) TableName() string { return "events" }

type taskRow struct {
	ID          string     `gorm:"primaryKey;column:id;type:varchar(64)"`
	TeamID      string     `gorm:"column:team_id;type:varchar(64);not null;index:idx_task_scope"`
	ProjectID   *string    `gorm:"column:project_id;type:varchar(64);index:idx_task_scope"`
	Title       string     `gorm:"column:title;type:varchar(500)"`
	Description string     `gorm:"column:description;type:text"`
	Status      string     `gorm:"column:status;type:varchar(16);not null"`
	Priority    string     `gorm:"column:priority;type:varchar(16);not null"`
	AssigneeID  *string    `gorm:"column:assignee_id;type:varchar(64);index"`
	CreatedBy   string     `gorm:"column:created_by;type:varchar(64)"`
	DueDate     *time.Time `gorm:"column:due_date;index"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	Position    float64    `gorm:"column:position"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (taskRow) TableName() string { return "tasks" }

type fileRow struct {
	ID         string     `gorm:"primaryKey;column:id;type:varchar(64)"`
	ProjectID  string     `gorm:"column:project_id;type:varchar(64);not null;index"`
	UploadedBy string     `gorm:"column:uploaded_by;type:varchar(64)"`
	Name       string     `gorm:"column:name;type:varchar(500)"`
	Deadline   *time.Time `gorm:"column:deadline;index"`
}

func (fileRow) TableName() string { return "files" }

type notificationRow struct {
	ID              string     `gorm:"primaryKey;column:id;type:varchar(64)"`
	RecipientID     string     `gorm:"column:recipient_id;type:varchar(64);not null;uniqueIndex:idx_notification_dedup,priority:1"`
	Type            string     `gorm:"column:type;type:varchar(32);not null;uniqueIndex:idx_notification_dedup,priority:2"`
	ResourceType    string     `gorm:"column:resource_type;type:varchar(16)"`
	ResourceID      string     `gorm:"column:resource_id;type:varchar(64);not null;uniqueIndex:idx_notification_dedup,priority:3"`
	MutationVersion int64      `gorm:"column:mutation_version;not null;uniqueIndex:idx_notification_dedup,priority:4"`
	Title           string     `gorm:"column:title;type:varchar(500)"`
	Body            string     `gorm:"column:body;type:text"`
	Channels        []string   `gorm:"column:channels;type:text;serializer:json"`
	Delivered       []string   `gorm:"column:delivered;type:text;serializer:json"`
	SentAt          time.Time  `gorm:"column:sent_at;index"`
	ReadAt          *time.Time `gorm:"column:read_at"`
}

func (notificationRow) TableName() string { return "notifications" }

type preferenceRow struct {
	UserID   string   `gorm:"primaryKey;column:user_id;type:varchar(64)"`
	Type     string   `gorm:"primaryKey;column:type;type:varchar(32)"`
	Channels []string `gorm:"column:channels;type:text;serializer:json"`
}

func (preferenceRow) TableName() string { return "notification_preferences" }

// auditRow has no update path; rows are inserted once.
type auditRow struct {
	ID           string         `gorm:"primaryKey;column:id;type:varchar(128)"`
	TeamID       *string        `gorm:"column:team_id;type:varchar(64);index"`
	UserID       *string        `gorm:"column:user_id;type:varchar(64)"`
	Action       string         `gorm:"column:action;type:varchar(64);not null"`
	ResourceType string         `gorm:"column:resource_type;type:varchar(16)"`
	ResourceID   string         `gorm:"column:resource_id;type:varchar(64);index"`
	Metadata     map[string]any `gorm:"column:metadata;type:text;serializer:json"`
	CreatedAt    time.Time      `gorm:"column:created_at;index"`
}

func (auditRow) TableName() string { return "audit_logs" }

type mutationRow struct {
	MutationID string    `gorm:"primaryKey;column:mutation_id;type:varchar(200)"`
	Kind       string    `gorm:"column:kind;type:varchar(32);not null"`
	ResourceID string    `gorm:"column:resource_id;type:varchar(64);not null;index:idx_mutation_resource,priority:1"`
	Version    int64     `gorm:"column:version;not null;index:idx_mutation_resource,priority:2"`
	ActorID    string    `gorm:"column:actor_id;type:varchar(64)"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (mutationRow) TableName() string { return "mutations" }

type resourceVersionRow struct {
	ResourceID string `gorm:"primaryKey;column:resource_id;type:varchar(64)"`
	Version    int64  `gorm:"column:version;not null"`
}

func (resourceVersionRow) TableName() string { return "resource_versions" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toUser(r userRow) model.User {
	return model.User{ID: r.ID, Email: r.Email, FullName: r.FullName, TimeZone: r.TimeZone, Deleted: r.Deleted}
}

func fromUser(u model.User) userRow {
	return userRow{ID: u.ID, Email: u.Email, FullName: u.FullName, TimeZone: u.TimeZone, Deleted: u.Deleted}
}

func toCalendar(r calendarRow) model.Calendar {
	return model.Calendar{
		ID:         r.ID,
		TeamID:     r.TeamID,
		OwnerID:    r.OwnerID,
		Name:       r.Name,
		Color:      r.Color,
		Visibility: model.Visibility(r.Visibility),
		IsDefault:  r.IsDefault,
	}
}

func fromCalendar(c model.Calendar) calendarRow {
	return calendarRow{
		ID:         c.ID,
		TeamID:     c.TeamID,
		OwnerID:    c.OwnerID,
		Name:       c.Name,
		Color:      c.Color,
		Visibility: string(c.Visibility),
		IsDefault:  c.IsDefault,
	}
}

func parsePermission(s string) model.Permission {
	p, err := model.ParsePermission(s)
	if err != nil {
		return model.PermissionNone
	}
	return p
}

func toEvent(r eventRow) model.Event {
	return model.Event{
		ID:              r.ID,
		CalendarID:      r.CalendarID,
		CreatedBy:       r.CreatedBy,
		Title:           r.Title,
		Description:     r.Description,
		Location:        r.Location,
		Start:           r.StartAt.UTC(),
		End:             r.EndAt.UTC(),
		TimeZone:        r.TimeZone,
		AllDay:          r.AllDay,
		Status:          model.EventStatus(r.Status),
		RecurrenceRule:  r.RecurrenceRule,
		RecurrenceEnd:   utcPtr(r.RecurrenceEnd),
		ParentEventID:   r.ParentEventID,
		RecurrenceID:    utcPtr(r.RecurrenceID),
		ReminderMinutes: r.ReminderMinutes,
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func fromEvent(e model.Event) eventRow {
	return eventRow{
		ID:              e.ID,
		CalendarID:      e.CalendarID,
		CreatedBy:       e.CreatedBy,
		Title:           e.Title,
		Description:     e.Description,
		Location:        e.Location,
		StartAt:         e.Start.UTC(),
		EndAt:           e.End.UTC(),
		TimeZone:        e.TimeZone,
		AllDay:          e.AllDay,
		Status:          string(e.Status),
		RecurrenceRule:  e.RecurrenceRule,
		RecurrenceEnd:   utcPtr(e.RecurrenceEnd),
		ParentEventID:   e.ParentEventID,
		RecurrenceID:    utcPtr(e.RecurrenceID),
		ReminderMinutes: e.ReminderMinutes,
		HasReminders:    len(e.ReminderMinutes) > 0,
		UpdatedAt:       e.UpdatedAt.UTC(),
	}
}

func toTask(r taskRow) model.Task {
	return model.Task{
		ID:          r.ID,
		TeamID:      r.TeamID,
		ProjectID:   r.ProjectID,
		Title:       r.Title,
		Description: r.Description,
		Status:      model.TaskStatus(r.Status),
		Priority:    model.TaskPriority(r.Priority),
		AssigneeID:  r.AssigneeID,
		CreatedBy:   r.CreatedBy,
		DueDate:     utcPtr(r.DueDate),
		CompletedAt: utcPtr(r.CompletedAt),
		Position:    r.Position,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func fromTask(t model.Task) taskRow {
	return taskRow{
		ID:          t.ID,
		TeamID:      t.TeamID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssigneeID:  t.AssigneeID,
		CreatedBy:   t.CreatedBy,
		DueDate:     utcPtr(t.DueDate),
		CompletedAt: utcPtr(t.CompletedAt),
		Position:    t.Position,
		UpdatedAt:   t.UpdatedAt.UTC(),
	}
}

func toFile(r fileRow) model.File {
	return model.File{ID: r.ID, ProjectID: r.ProjectID, UploadedBy: r.UploadedBy, Name: r.Name, Deadline: utcPtr(r.Deadline)}
}

func fromFile(f model.File) fileRow {
	return fileRow{ID: f.ID, ProjectID: f.ProjectID, UploadedBy: f.UploadedBy, Name: f.Name, Deadline: utcPtr(f.Deadline)}
}

func channelsToStrings(cs []model.Channel) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, string(c))
	}
	return out
}

func stringsToChannels(ss []string) []model.Channel {
	out := make([]model.Channel, 0, len(ss))
	for _, s := range ss {
		out = append(out, model.Channel(s))
	}
	return out
}

func toNotification(r notificationRow) model.Notification {
	return model.Notification{
		ID:              r.ID,
		RecipientID:     r.RecipientID,
		Type:            model.NotificationType(r.Type),
		ResourceType:    model.ResourceType(r.ResourceType),
		ResourceID:      r.ResourceID,
		MutationVersion: r.MutationVersion,
		Title:           r.Title,
		Body:            r.Body,
		Channels:        stringsToChannels(r.Channels),
		Delivered:       stringsToChannels(r.Delivered),
		SentAt:          r.SentAt.UTC(),
		ReadAt:          utcPtr(r.ReadAt),
	}
}

func fromNotification(n model.Notification) notificationRow {
	return notificationRow{
		ID:              n.ID,
		RecipientID:     n.RecipientID,
		Type:            string(n.Type),
		ResourceType:    string(n.ResourceType),
		ResourceID:      n.ResourceID,
		MutationVersion: n.MutationVersion,
		Title:           n.Title,
		Body:            n.Body,
		Channels:        channelsToStrings(n.Channels),
		Delivered:       channelsToStrings(n.Delivered),
		SentAt:          n.SentAt.UTC(),
		ReadAt:          utcPtr(n.ReadAt),
	}
}
