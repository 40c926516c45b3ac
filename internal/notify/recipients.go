package notify

import (
	"fmt"
	"sort"

	"teamcal/internal/access"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
)

// TypeOf maps a mutation kind onto the notification it produces. A
// cancellation is delivered as an update.
func TypeOf(k mutation.Kind) (model.NotificationType, bool) {
	switch k {
	case mutation.EventCreated:
		return model.NotifyEventInvite, true
	case mutation.EventUpdated, mutation.EventCancelled:
		return model.NotifyEventUpdated, true
	case mutation.EventReminder:
		return model.NotifyEventReminder, true
	case mutation.TaskAssigned:
		return model.NotifyTaskAssigned, true
	case mutation.TaskUpdated:
		return model.NotifyTaskUpdated, true
	case mutation.TaskDueSoon:
		return model.NotifyTaskDueSoon, true
	case mutation.FileUploaded:
		return model.NotifyFileUploaded, true
	case mutation.FileDeadline:
		return model.NotifyFileDeadline, true
	case mutation.MemberJoined:
		return model.NotifyMemberJoined, true
	case mutation.PermissionChanged:
		return model.NotifyPermissionChanged, true
	}
	return "", false
}

// Recipients computes who hears about m, sorted and without the actor.
func Recipients(snap *access.Snapshot, m *mutation.Mutation) []string {
	var ids []string
	switch m.Kind {
	case mutation.EventCreated, mutation.EventUpdated, mutation.EventCancelled, mutation.EventReminder:
		var res access.Resource = access.CalendarRef{ID: m.Event.CalendarID}
		if _, ok := snap.Event(m.Event.ID); ok {
			res = access.EventRef{ID: m.Event.ID}
		}
		ids = access.Readers(snap, res)

	case mutation.TaskAssigned:
		if m.Task.AssigneeID != nil {
			ids = []string{*m.Task.AssigneeID}
		}

	case mutation.TaskUpdated:
		task := currentTask(snap, m)
		if task.AssigneeID != nil {
			ids = append(ids, *task.AssigneeID)
		}
		ids = append(ids, task.CreatedBy)

	case mutation.TaskDueSoon:
		task := currentTask(snap, m)
		if task.AssigneeID != nil && *task.AssigneeID != "" {
			ids = []string{*task.AssigneeID}
		} else {
			ids = []string{task.CreatedBy}
		}

	case mutation.FileUploaded, mutation.FileDeadline:
		ids = access.Readers(snap, access.ProjectRef{ID: m.File.ProjectID})

	case mutation.MemberJoined:
		for _, id := range snap.TeamMembers(m.Membership.TeamID) {
			if id != m.Membership.UserID {
				ids = append(ids, id)
			}
		}

	case mutation.PermissionChanged:
		ids = []string{m.Grant.UserID}
	}
	return without(ids, m.ActorID)
}

// currentTask prefers the committed row so recipients reflect the stored
// creator rather than the submitter.
func currentTask(snap *access.Snapshot, m *mutation.Mutation) model.Task {
	if t, ok := snap.Task(m.Task.ID); ok {
		return t
	}
	return *m.Task
}

func without(ids []string, actor string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == actor {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// message renders the title and body shown to recipient.
func message(m *mutation.Mutation, typ model.NotificationType, recipient model.User) (string, string) {
	title := m.Summary()
	switch typ {
	case model.NotifyEventInvite:
		return title, "New event on your calendar"
	case model.NotifyEventUpdated:
		if m.Kind == mutation.EventCancelled {
			return title, "Event cancelled"
		}
		return title, "Event updated"
	case model.NotifyEventReminder:
		at := m.Event.Start
		if m.OccurrenceStart != nil {
			at = *m.OccurrenceStart
		}
		loc := model.LoadLocation(recipient.TimeZone)
		return title, "Starts at " + at.In(loc).Format("Mon Jan 2 15:04 MST")
	case model.NotifyTaskAssigned:
		return title, "You were assigned a task"
	case model.NotifyTaskUpdated:
		return title, fmt.Sprintf("Task is now %s", m.Task.Status)
	case model.NotifyTaskDueSoon:
		if m.Task.DueDate != nil {
			loc := model.LoadLocation(recipient.TimeZone)
			return title, "Due " + m.Task.DueDate.In(loc).Format("Mon Jan 2 15:04 MST")
		}
		return title, "Task due soon"
	case model.NotifyFileUploaded:
		return title, "New file uploaded"
	case model.NotifyFileDeadline:
		return title, "File deadline approaching"
	case model.NotifyMemberJoined:
		return "New team member", fmt.Sprintf("%s joined the team", m.Membership.UserID)
	case model.NotifyPermissionChanged:
		return "Access changed", fmt.Sprintf("Your access is now %s", m.Grant.Permission)
	}
	return title, ""
}
