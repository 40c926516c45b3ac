package access

import (
	"sort"

	"teamcal/internal/apperr"
	"teamcal/internal/model"
)

// Resource is a reference to something permissions apply to.
type Resource interface {
	Type() model.ResourceType
	ResourceID() string
}

type CalendarRef struct{ ID string }
type EventRef struct{ ID string }
type ProjectRef struct{ ID string }
type TaskRef struct{ ID string }
type FileRef struct{ ID string }
type TeamRef struct{ ID string }

func (r CalendarRef) Type() model.ResourceType { return model.ResourceCalendar }
func (r EventRef) Type() model.ResourceType    { return model.ResourceEvent }
func (r ProjectRef) Type() model.ResourceType  { return model.ResourceProject }
func (r TaskRef) Type() model.ResourceType     { return model.ResourceTask }
func (r FileRef) Type() model.ResourceType     { return model.ResourceFile }
func (r TeamRef) Type() model.ResourceType     { return model.ResourceTeam }

func (r CalendarRef) ResourceID() string { return r.ID }
func (r EventRef) ResourceID() string    { return r.ID }
func (r ProjectRef) ResourceID() string  { return r.ID }
func (r TaskRef) ResourceID() string     { return r.ID }
func (r FileRef) ResourceID() string     { return r.ID }
func (r TeamRef) ResourceID() string     { return r.ID }

// Resolve returns actor's permission on res. Unknown actors and resources
// resolve to PermissionNone; "no access" is a result, not an error.
func Resolve(snap *Snapshot, actorID string, res Resource) model.Permission {
	if snap == nil || actorID == "" || res == nil {
		return model.PermissionNone
	}
	switch r := res.(type) {
	case CalendarRef:
		return snap.calendarPermission(actorID, r.ID)
	case EventRef:
		ev, ok := snap.events[r.ID]
		if !ok {
			return model.PermissionNone
		}
		if ev.CreatedBy == actorID {
			return model.PermissionManage
		}
		return snap.calendarPermission(actorID, ev.CalendarID)
	case ProjectRef:
		return snap.projectPermission(actorID, r.ID)
	case TaskRef:
		return snap.taskPermission(actorID, r.ID)
	case FileRef:
		f, ok := snap.files[r.ID]
		if !ok {
			return model.PermissionNone
		}
		if f.UploadedBy == actorID {
			return model.PermissionManage
		}
		return snap.projectPermission(actorID, f.ProjectID)
	case TeamRef:
		role, ok := snap.roles[r.ID][actorID]
		if !ok {
			return model.PermissionNone
		}
		if role.Elevated() {
			return model.PermissionManage
		}
		return model.PermissionRead
	}
	return model.PermissionNone
}

func (s *Snapshot) calendarPermission(actorID, calendarID string) model.Permission {
	cal, ok := s.calendars[calendarID]
	if !ok {
		return model.PermissionNone
	}
	if cal.OwnerID == actorID {
		return model.PermissionManage
	}

	levels := []model.Permission{s.calendarGrants[calendarID][actorID]}

	var role model.Role
	var member bool
	if cal.TeamID != nil {
		role, member = s.roles[*cal.TeamID][actorID]
		if member && role.Elevated() {
			return model.PermissionManage
		}
	}

	switch cal.Visibility {
	case model.VisibilityPublic:
		levels = append(levels, model.PermissionRead)
	case model.VisibilityTeam:
		// personal calendars have no team, so team visibility degrades to private
		if member {
			levels = append(levels, model.PermissionRead)
		}
	}
	return model.MaxPermission(levels...)
}

func (s *Snapshot) projectPermission(actorID, projectID string) model.Permission {
	p, ok := s.projects[projectID]
	if !ok {
		return model.PermissionNone
	}
	levels := []model.Permission{s.projectGrants[projectID][actorID]}
	if role, member := s.roles[p.TeamID][actorID]; member {
		if role.Elevated() {
			return model.PermissionManage
		}
		levels = append(levels, model.PermissionRead)
	}
	return model.MaxPermission(levels...)
}

func (s *Snapshot) taskPermission(actorID, taskID string) model.Permission {
	t, ok := s.tasks[taskID]
	if !ok {
		return model.PermissionNone
	}
	if t.CreatedBy == actorID {
		return model.PermissionManage
	}
	role, member := s.roles[t.TeamID][actorID]
	if member && role.Elevated() {
		return model.PermissionManage
	}

	var levels []model.Permission
	if t.AssigneeID != nil && *t.AssigneeID == actorID && member {
		levels = append(levels, model.PermissionWrite)
	}
	if t.ProjectID != nil {
		levels = append(levels, s.projectPermission(actorID, *t.ProjectID))
	} else if member {
		levels = append(levels, model.PermissionRead)
	}
	return model.MaxPermission(levels...)
}

// Require returns an authorization error unless actor holds at least need.
func Require(snap *Snapshot, actorID string, res Resource, need model.Permission) error {
	got := Resolve(snap, actorID, res)
	if got.AtLeast(need) {
		return nil
	}
	return apperr.Authorization("access.Require", "%s on %s %q requires %s, have %s",
		actorID, res.Type(), res.ResourceID(), need, got)
}

// Readers returns the users that can read res, sorted. Public calendars are
// not enumerated beyond the users related to them (owner, team, grantees).
func Readers(snap *Snapshot, res Resource) []string {
	if snap == nil || res == nil {
		return nil
	}
	candidates := map[string]struct{}{}
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" {
				candidates[id] = struct{}{}
			}
		}
	}

	addCalendar := func(calendarID string) {
		cal, ok := snap.calendars[calendarID]
		if !ok {
			return
		}
		add(cal.OwnerID)
		if cal.TeamID != nil {
			add(sortedKeys(snap.roles[*cal.TeamID])...)
		}
		add(sortedKeys(snap.calendarGrants[calendarID])...)
	}
	addProject := func(projectID string) {
		p, ok := snap.projects[projectID]
		if !ok {
			return
		}
		add(sortedKeys(snap.roles[p.TeamID])...)
		add(sortedKeys(snap.projectGrants[projectID])...)
	}

	switch r := res.(type) {
	case CalendarRef:
		addCalendar(r.ID)
	case EventRef:
		if ev, ok := snap.events[r.ID]; ok {
			add(ev.CreatedBy)
			addCalendar(ev.CalendarID)
		}
	case ProjectRef:
		addProject(r.ID)
	case FileRef:
		if f, ok := snap.files[r.ID]; ok {
			add(f.UploadedBy)
			addProject(f.ProjectID)
		}
	case TaskRef:
		if t, ok := snap.tasks[r.ID]; ok {
			add(t.CreatedBy)
			if t.AssigneeID != nil {
				add(*t.AssigneeID)
			}
			if t.ProjectID != nil {
				addProject(*t.ProjectID)
			} else {
				add(sortedKeys(snap.roles[t.TeamID])...)
			}
		}
	case TeamRef:
		add(sortedKeys(snap.roles[r.ID])...)
	}

	out := make([]string, 0, len(candidates))
	for id := range candidates {
		if Resolve(snap, id, res).AtLeast(model.PermissionRead) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
