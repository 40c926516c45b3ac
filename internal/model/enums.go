package model

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleGuest:
		return true
	}
	return false
}

// Elevated reports whether the role grants manage on team-scoped resources.
func (r Role) Elevated() bool {
	return r == RoleOwner || r == RoleAdmin
}

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
		return true
	}
	return false
}

// Permission is totally ordered: None < Read < Write < Manage.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
	PermissionManage
)

var permissionNames = [...]string{"none", "read", "write", "manage"}

func (p Permission) String() string {
	if p < PermissionNone || p > PermissionManage {
		return fmt.Sprintf("permission(%d)", int(p))
	}
	return permissionNames[p]
}

// AtLeast reports whether p satisfies need.
func (p Permission) AtLeast(need Permission) bool {
	return p >= need
}

// MaxPermission returns the highest of the given levels.
func MaxPermission(ps ...Permission) Permission {
	out := PermissionNone
	for _, p := range ps {
		if p > out {
			out = p
		}
	}
	return out
}

func ParsePermission(s string) (Permission, error) {
	for i, name := range permissionNames {
		if strings.EqualFold(s, name) {
			return Permission(i), nil
		}
	}
	return PermissionNone, fmt.Errorf("unknown permission %q", s)
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(b []byte) error {
	v, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventConfirmed, EventTentative, EventCancelled:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Open reports whether the task still needs work.
func (s TaskStatus) Open() bool {
	return s == TaskTodo || s == TaskInProgress
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type NotificationType string

const (
	NotifyEventInvite       NotificationType = "event_invite"
	NotifyEventUpdated      NotificationType = "event_updated"
	NotifyEventReminder     NotificationType = "event_reminder"
	NotifyTaskAssigned      NotificationType = "task_assigned"
	NotifyTaskUpdated       NotificationType = "task_updated"
	NotifyTaskDueSoon       NotificationType = "task_due_soon"
	NotifyFileUploaded      NotificationType = "file_uploaded"
	NotifyFileDeadline      NotificationType = "file_deadline"
	NotifyTeamInvite        NotificationType = "team_invite"
	NotifyMemberJoined      NotificationType = "member_joined"
	NotifyPermissionChanged NotificationType = "permission_changed"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotifyEventInvite, NotifyEventUpdated, NotifyEventReminder,
		NotifyTaskAssigned, NotifyTaskUpdated, NotifyTaskDueSoon,
		NotifyFileUploaded, NotifyFileDeadline,
		NotifyTeamInvite, NotifyMemberJoined, NotifyPermissionChanged:
		return true
	}
	return false
}

type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelWebPush Channel = "web_push"
	ChannelEmail   Channel = "email"
)

// AllChannels lists channels in delivery order.
var AllChannels = []Channel{ChannelInApp, ChannelWebPush, ChannelEmail}

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelWebPush, ChannelEmail:
		return true
	}
	return false
}

type ResourceType string

const (
	ResourceCalendar ResourceType = "calendar"
	ResourceEvent    ResourceType = "event"
	ResourceTask     ResourceType = "task"
	ResourceProject  ResourceType = "project"
	ResourceFile     ResourceType = "file"
	ResourceTeam     ResourceType = "team"
)
