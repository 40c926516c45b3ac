// Package access resolves an actor's permission on calendars, events,
// projects, tasks and teams from a point-in-time snapshot.
package access

import (
	"sort"
	"time"

	"teamcal/internal/model"
)

// Snapshot is a read-only view of users, memberships, grants and the
// resources they apply to. Once built it is never mutated and may be shared
// between goroutines.
type Snapshot struct {
	takenAt time.Time

	users          map[string]model.User
	roles          map[string]map[string]model.Role // team -> user -> role
	calendars      map[string]model.Calendar
	calendarGrants map[string]map[string]model.Permission
	projects       map[string]model.Project
	projectGrants  map[string]map[string]model.Permission
	events         map[string]model.Event
	tasks          map[string]model.Task
	files          map[string]model.File
}

func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

func (s *Snapshot) User(id string) (model.User, bool) {
	u, ok := s.users[id]
	return u, ok
}

func (s *Snapshot) Calendar(id string) (model.Calendar, bool) {
	c, ok := s.calendars[id]
	return c, ok
}

func (s *Snapshot) Project(id string) (model.Project, bool) {
	p, ok := s.projects[id]
	return p, ok
}

func (s *Snapshot) Event(id string) (model.Event, bool) {
	e, ok := s.events[id]
	return e, ok
}

func (s *Snapshot) Task(id string) (model.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Snapshot) File(id string) (model.File, bool) {
	f, ok := s.files[id]
	return f, ok
}

// Role returns the actor's role in team.
func (s *Snapshot) Role(teamID, userID string) (model.Role, bool) {
	r, ok := s.roles[teamID][userID]
	return r, ok
}

// TeamMembers returns member ids of team, sorted.
func (s *Snapshot) TeamMembers(teamID string) []string {
	return sortedKeys(s.roles[teamID])
}

// CalendarsOf returns the ids of calendars owned by userID, sorted.
func (s *Snapshot) CalendarsOf(userID string) []string {
	var out []string
	for id, c := range s.calendars {
		if c.OwnerID == userID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// CalendarIDs returns every calendar id in the snapshot, sorted.
func (s *Snapshot) CalendarIDs() []string {
	return sortedKeys(s.calendars)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Builder accumulates snapshot state. A Builder is not safe for concurrent
// use; Build hands out an independent copy.
type Builder struct {
	s Snapshot
}

func NewBuilder() *Builder {
	return &Builder{s: Snapshot{
		users:          map[string]model.User{},
		roles:          map[string]map[string]model.Role{},
		calendars:      map[string]model.Calendar{},
		calendarGrants: map[string]map[string]model.Permission{},
		projects:       map[string]model.Project{},
		projectGrants:  map[string]map[string]model.Permission{},
		events:         map[string]model.Event{},
		tasks:          map[string]model.Task{},
		files:          map[string]model.File{},
	}}
}

func (b *Builder) User(u model.User) *Builder {
	b.s.users[u.ID] = u
	return b
}

func (b *Builder) Membership(m model.Membership) *Builder {
	if b.s.roles[m.TeamID] == nil {
		b.s.roles[m.TeamID] = map[string]model.Role{}
	}
	b.s.roles[m.TeamID][m.UserID] = m.Role
	return b
}

func (b *Builder) Calendar(c model.Calendar) *Builder {
	b.s.calendars[c.ID] = c
	return b
}

func (b *Builder) CalendarGrant(g model.CalendarGrant) *Builder {
	if b.s.calendarGrants[g.CalendarID] == nil {
		b.s.calendarGrants[g.CalendarID] = map[string]model.Permission{}
	}
	b.s.calendarGrants[g.CalendarID][g.UserID] = g.Permission
	return b
}

func (b *Builder) Project(p model.Project) *Builder {
	b.s.projects[p.ID] = p
	return b
}

func (b *Builder) ProjectGrant(g model.ProjectGrant) *Builder {
	if b.s.projectGrants[g.ProjectID] == nil {
		b.s.projectGrants[g.ProjectID] = map[string]model.Permission{}
	}
	b.s.projectGrants[g.ProjectID][g.UserID] = g.Permission
	return b
}

func (b *Builder) Event(e model.Event) *Builder {
	b.s.events[e.ID] = e
	return b
}

func (b *Builder) Task(t model.Task) *Builder {
	b.s.tasks[t.ID] = t
	return b
}

func (b *Builder) File(f model.File) *Builder {
	b.s.files[f.ID] = f
	return b
}

// Build returns an immutable snapshot stamped with takenAt.
func (b *Builder) Build(takenAt time.Time) *Snapshot {
	out := &Snapshot{
		takenAt:        takenAt,
		users:          cloneMap(b.s.users),
		roles:          cloneNested(b.s.roles),
		calendars:      cloneMap(b.s.calendars),
		calendarGrants: cloneNested(b.s.calendarGrants),
		projects:       cloneMap(b.s.projects),
		projectGrants:  cloneNested(b.s.projectGrants),
		events:         cloneMap(b.s.events),
		tasks:          cloneMap(b.s.tasks),
		files:          cloneMap(b.s.files),
	}
	return out
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneNested[V any](m map[string]map[string]V) map[string]map[string]V {
	out := make(map[string]map[string]V, len(m))
	for k, inner := range m {
		out[k] = cloneMap(inner)
	}
	return out
}
