package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"teamcal/internal/access"
	"teamcal/internal/apperr"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/recurrence"
)

// eventMargin widens single-event window queries so all-day events stored
// in a far-off zone are still picked up; the materializer trims exactly.
const eventMargin = 24 * time.Hour

type Store struct {
	db       *gorm.DB
	postgres bool
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, postgres: db.Dialector.Name() == "postgres"}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return classify("storage.Ping", sqlDB.PingContext(ctx))
}

func (s *Store) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts *sql.TxOptions
	if s.postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return s.db.WithContext(ctx).Transaction(fn, opts)
}

// Apply commits m and returns the resource version it produced. A mutation
// id that was already applied returns its original version with
// duplicate=true and changes nothing.
func (s *Store) Apply(ctx context.Context, m *mutation.Mutation) (version int64, duplicate bool, err error) {
	const op = "storage.Apply"
	resourceID := m.ResourceID()
	if resourceID == "" {
		return 0, false, apperr.Validation(op, "mutation %q has no resource", m.ID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seen mutationRow
		err := tx.Where("mutation_id = ?", m.ID).Take(&seen).Error
		if err == nil {
			version = seen.Version
			duplicate = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		version, err = s.bumpVersion(tx, resourceID)
		if err != nil {
			return err
		}
		if !m.Kind.System() {
			if err := applyPayload(tx, m); err != nil {
				return err
			}
		}
		return tx.Create(&mutationRow{
			MutationID: m.ID,
			Kind:       string(m.Kind),
			ResourceID: resourceID,
			Version:    version,
			ActorID:    m.ActorID,
			CreatedAt:  m.SubmittedAt.UTC(),
		}).Error
	})
	if err != nil {
		return 0, false, classify(op, err)
	}
	m.Version = version
	return version, duplicate, nil
}

func (s *Store) bumpVersion(tx *gorm.DB, resourceID string) (int64, error) {
	q := tx
	if s.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rv resourceVersionRow
	err := q.Where("resource_id = ?", resourceID).Take(&rv).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rv = resourceVersionRow{ResourceID: resourceID}
	case err != nil:
		return 0, err
	}
	rv.Version++
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version"}),
	}).Create(&rv).Error
	return rv.Version, err
}

func upsert(tx *gorm.DB, row interface{}) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func applyPayload(tx *gorm.DB, m *mutation.Mutation) error {
	now := m.SubmittedAt.UTC()
	switch {
	case m.Event != nil:
		row := fromEvent(*m.Event)
		row.UpdatedAt = now
		var existing eventRow
		if err := tx.Where("id = ?", row.ID).Take(&existing).Error; err == nil {
			row.CreatedBy = existing.CreatedBy
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return upsert(tx, &row)

	case m.Task != nil:
		row := fromTask(*m.Task)
		row.UpdatedAt = now
		var existing taskRow
		err := tx.Where("id = ?", row.ID).Take(&existing).Error
		switch {
		case err == nil:
			row.CreatedBy = existing.CreatedBy
			if row.Position == 0 {
				row.Position = existing.Position
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if row.Position == 0 {
				pos, err := nextPosition(tx, row.TeamID, row.ProjectID)
				if err != nil {
					return err
				}
				row.Position = pos
			}
		default:
			return err
		}
		if model.TaskStatus(row.Status) == model.TaskDone {
			if row.CompletedAt == nil {
				row.CompletedAt = &now
			}
		} else {
			row.CompletedAt = nil
		}
		return upsert(tx, &row)

	case m.File != nil:
		row := fromFile(*m.File)
		var existing fileRow
		if err := tx.Where("id = ?", row.ID).Take(&existing).Error; err == nil {
			row.UploadedBy = existing.UploadedBy
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return upsert(tx, &row)

	case m.Membership != nil:
		ms := m.Membership
		joined := ms.JoinedAt
		if joined.IsZero() {
			joined = now
		}
		return upsert(tx, &membershipRow{
			UserID:   ms.UserID,
			TeamID:   ms.TeamID,
			Role:     string(ms.Role),
			JoinedAt: joined.UTC(),
		})

	case m.Grant != nil:
		return applyGrant(tx, m.Grant)
	}
	return nil
}

// applyGrant stores a share; PermissionNone revokes it.
func applyGrant(tx *gorm.DB, g *mutation.Grant) error {
	if g.CalendarID != "" {
		if g.Permission == model.PermissionNone {
			return tx.Where("calendar_id = ? AND user_id = ?", g.CalendarID, g.UserID).
				Delete(&calendarGrantRow{}).Error
		}
		return upsert(tx, &calendarGrantRow{
			CalendarID: g.CalendarID,
			UserID:     g.UserID,
			Permission: g.Permission.String(),
		})
	}
	if g.Permission == model.PermissionNone {
		return tx.Where("project_id = ? AND user_id = ?", g.ProjectID, g.UserID).
			Delete(&projectGrantRow{}).Error
	}
	return upsert(tx, &projectGrantRow{
		ProjectID:  g.ProjectID,
		UserID:     g.UserID,
		Permission: g.Permission.String(),
	})
}

func nextPosition(tx *gorm.DB, teamID string, projectID *string) (float64, error) {
	q := tx.Model(&taskRow{}).Where("team_id = ?", teamID)
	if projectID != nil {
		q = q.Where("project_id = ?", *projectID)
	} else {
		q = q.Where("project_id IS NULL")
	}
	var top sql.NullFloat64
	if err := q.Select("MAX(position)").Row().Scan(&top); err != nil {
		return 0, err
	}
	return top.Float64 + 1, nil
}

// Scope lists the individual records a snapshot must include besides the
// always-loaded membership, calendar and project tables.
type Scope struct {
	EventIDs []string
	TaskIDs  []string
	FileIDs  []string
}

// ScopeOf returns the records m refers to.
func ScopeOf(m *mutation.Mutation) Scope {
	var sc Scope
	if m.Event != nil {
		sc.EventIDs = append(sc.EventIDs, m.Event.ID)
		if m.Event.ParentEventID != nil {
			sc.EventIDs = append(sc.EventIDs, *m.Event.ParentEventID)
		}
	}
	if m.Task != nil {
		sc.TaskIDs = append(sc.TaskIDs, m.Task.ID)
	}
	if m.File != nil {
		sc.FileIDs = append(sc.FileIDs, m.File.ID)
	}
	return sc
}

// Snapshot reads a consistent view in one transaction.
func (s *Store) Snapshot(ctx context.Context, sc Scope) (*access.Snapshot, error) {
	b := access.NewBuilder()
	var takenAt time.Time
	err := s.readTx(ctx, func(tx *gorm.DB) error {
		takenAt = time.Now().UTC()

		var users []userRow
		if err := tx.Find(&users).Error; err != nil {
			return err
		}
		for _, u := range users {
			b.User(toUser(u))
		}

		var members []membershipRow
		if err := tx.Find(&members).Error; err != nil {
			return err
		}
		for _, ms := range members {
			b.Membership(model.Membership{UserID: ms.UserID, TeamID: ms.TeamID, Role: model.Role(ms.Role), JoinedAt: ms.JoinedAt})
		}

		var cals []calendarRow
		if err := tx.Find(&cals).Error; err != nil {
			return err
		}
		for _, c := range cals {
			b.Calendar(toCalendar(c))
		}

		var cgrants []calendarGrantRow
		if err := tx.Find(&cgrants).Error; err != nil {
			return err
		}
		for _, g := range cgrants {
			b.CalendarGrant(model.CalendarGrant{CalendarID: g.CalendarID, UserID: g.UserID, Permission: parsePermission(g.Permission)})
		}

		var projects []projectRow
		if err := tx.Find(&projects).Error; err != nil {
			return err
		}
		for _, p := range projects {
			b.Project(model.Project{ID: p.ID, TeamID: p.TeamID, Name: p.Name, Archived: p.Archived})
		}

		var pgrants []projectGrantRow
		if err := tx.Find(&pgrants).Error; err != nil {
			return err
		}
		for _, g := range pgrants {
			b.ProjectGrant(model.ProjectGrant{ProjectID: g.ProjectID, UserID: g.UserID, Permission: parsePermission(g.Permission)})
		}

		if len(sc.EventIDs) > 0 {
			var events []eventRow
			if err := tx.Where("id IN ?", sc.EventIDs).Find(&events).Error; err != nil {
				return err
			}
			for _, e := range events {
				b.Event(toEvent(e))
			}
		}
		if len(sc.TaskIDs) > 0 {
			var tasks []taskRow
			if err := tx.Where("id IN ?", sc.TaskIDs).Find(&tasks).Error; err != nil {
				return err
			}
			for _, t := range tasks {
				b.Task(toTask(t))
			}
		}
		if len(sc.FileIDs) > 0 {
			var files []fileRow
			if err := tx.Where("id IN ?", sc.FileIDs).Find(&files).Error; err != nil {
				return err
			}
			for _, f := range files {
				b.File(toFile(f))
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("storage.Snapshot", err)
	}
	return b.Build(takenAt), nil
}

// SnapshotFor is Snapshot scoped to the records m refers to.
func (s *Store) SnapshotFor(ctx context.Context, m *mutation.Mutation) (*access.Snapshot, error) {
	return s.Snapshot(ctx, ScopeOf(m))
}

func (s *Store) Event(ctx context.Context, id string) (model.Event, error) {
	var row eventRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Event{}, apperr.NotFound("storage.Event", "event", id)
		}
		return model.Event{}, classify("storage.Event", err)
	}
	return toEvent(row), nil
}

func (s *Store) Task(ctx context.Context, id string) (model.Task, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Task{}, apperr.NotFound("storage.Task", "task", id)
		}
		return model.Task{}, classify("storage.Task", err)
	}
	return toTask(row), nil
}

// Tasks lists tasks in one scope ordered by position, ties broken by id.
func (s *Store) Tasks(ctx context.Context, teamID string, projectID *string) ([]model.Task, error) {
	q := s.db.WithContext(ctx).Where("team_id = ?", teamID)
	if projectID != nil {
		q = q.Where("project_id = ?", *projectID)
	} else {
		q = q.Where("project_id IS NULL")
	}
	var rows []taskRow
	if err := q.Order("position ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, classify("storage.Tasks", err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, toTask(r))
	}
	return out, nil
}

// Overrides returns the override events of one series. Only overrides on
// the series' own calendar count.
func (s *Store) Overrides(ctx context.Context, parentID string) ([]model.Event, error) {
	db := s.db.WithContext(ctx)
	var rows []eventRow
	err := db.
		Where("parent_event_id = ?", parentID).
		Where("calendar_id = (?)", db.Model(&eventRow{}).Select("calendar_id").Where("id = ?", parentID)).
		Order("recurrence_id ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("storage.Overrides", err)
	}
	return toEvents(rows), nil
}

// BaseEvents returns series and single events of the calendars that can
// produce an occurrence in w. Overrides are loaded per series.
func (s *Store) BaseEvents(ctx context.Context, calendarIDs []string, w recurrence.Window) ([]model.Event, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("calendar_id IN ?", calendarIDs).
		Where("parent_event_id IS NULL").
		Where("start_at < ?", w.End.UTC().Add(eventMargin)).
		Where("recurrence_rule <> '' OR end_at > ?", w.Start.UTC().Add(-eventMargin)).
		Order("start_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("storage.BaseEvents", err)
	}
	return toEvents(rows), nil
}

// EventsWithReminders returns base events carrying reminder offsets that
// may still have an occurrence at or after from.
func (s *Store) EventsWithReminders(ctx context.Context, from time.Time) ([]model.Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("has_reminders = ?", true).
		Where("parent_event_id IS NULL").
		Where("status <> ?", string(model.EventCancelled)).
		Where("recurrence_rule <> '' OR end_at >= ?", from.UTC()).
		Find(&rows).Error
	if err != nil {
		return nil, classify("storage.EventsWithReminders", err)
	}
	return toEvents(rows), nil
}

// TasksDueBetween returns open tasks with a due date in [from, to).
func (s *Store) TasksDueBetween(ctx context.Context, from, to time.Time) ([]model.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("due_date >= ? AND due_date < ?", from.UTC(), to.UTC()).
		Where("status IN ?", []string{string(model.TaskTodo), string(model.TaskInProgress)}).
		Order("due_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("storage.TasksDueBetween", err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, toTask(r))
	}
	return out, nil
}

// FilesWithDeadlineBetween returns files whose deadline is in [from, to).
func (s *Store) FilesWithDeadlineBetween(ctx context.Context, from, to time.Time) ([]model.File, error) {
	var rows []fileRow
	err := s.db.WithContext(ctx).
		Where("deadline >= ? AND deadline < ?", from.UTC(), to.UTC()).
		Order("deadline ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("storage.FilesWithDeadlineBetween", err)
	}
	out := make([]model.File, 0, len(rows))
	for _, r := range rows {
		out = append(out, toFile(r))
	}
	return out, nil
}

// AppendAudit inserts a; re-appending the same id is a no-op.
func (s *Store) AppendAudit(ctx context.Context, a model.AuditLog) error {
	row := auditRow{
		ID:           a.ID,
		TeamID:       a.TeamID,
		UserID:       a.UserID,
		Action:       a.Action,
		ResourceType: string(a.ResourceType),
		ResourceID:   a.ResourceID,
		Metadata:     a.Metadata,
		CreatedAt:    a.CreatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return classify("storage.AppendAudit", err)
}

// AuditFor lists audit rows of one resource, oldest first.
func (s *Store) AuditFor(ctx context.Context, resourceID string) ([]model.AuditLog, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("storage.AuditFor", err)
	}
	out := make([]model.AuditLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AuditLog{
			ID:           r.ID,
			TeamID:       r.TeamID,
			UserID:       r.UserID,
			Action:       r.Action,
			ResourceType: model.ResourceType(r.ResourceType),
			ResourceID:   r.ResourceID,
			Metadata:     r.Metadata,
			CreatedAt:    r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// Version returns the current version of a resource, 0 if never mutated.
func (s *Store) Version(ctx context.Context, resourceID string) (int64, error) {
	var rv resourceVersionRow
	err := s.db.WithContext(ctx).Where("resource_id = ?", resourceID).Take(&rv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("storage.Version", err)
	}
	return rv.Version, nil
}

func toEvents(rows []eventRow) []model.Event {
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, toEvent(r))
	}
	return out
}
