package storage

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"teamcal/internal/model"
)

// SeedData is the YAML fixture format used to bootstrap teams, calendars
// and shares before the first mutation arrives.
type SeedData struct {
	Users []struct {
		ID       string `yaml:"id"`
		Email    string `yaml:"email"`
		FullName string `yaml:"full_name"`
		TimeZone string `yaml:"timezone"`
	} `yaml:"users"`
	Teams []struct {
		ID      string            `yaml:"id"`
		Name    string            `yaml:"name"`
		Slug    string            `yaml:"slug"`
		Members map[string]string `yaml:"members"`
	} `yaml:"teams"`
	Calendars []struct {
		ID         string            `yaml:"id"`
		TeamID     string            `yaml:"team_id"`
		OwnerID    string            `yaml:"owner_id"`
		Name       string            `yaml:"name"`
		Color      string            `yaml:"color"`
		Visibility string            `yaml:"visibility"`
		Default    bool              `yaml:"default"`
		Grants     map[string]string `yaml:"grants"`
	} `yaml:"calendars"`
	Projects []struct {
		ID     string            `yaml:"id"`
		TeamID string            `yaml:"team_id"`
		Name   string            `yaml:"name"`
		Grants map[string]string `yaml:"grants"`
	} `yaml:"projects"`
	Preferences []struct {
		UserID   string   `yaml:"user_id"`
		Type     string   `yaml:"type"`
		Channels []string `yaml:"channels"`
	} `yaml:"preferences"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*SeedData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data SeedData
	if err := yaml.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &data, nil
}

// Seed upserts every record in data in one transaction.
func (s *Store) Seed(ctx context.Context, data *SeedData) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range data.Users {
			if err := upsert(tx, &userRow{ID: u.ID, Email: u.Email, FullName: u.FullName, TimeZone: u.TimeZone}); err != nil {
				return err
			}
		}
		for _, t := range data.Teams {
			if err := upsert(tx, &teamRow{ID: t.ID, Name: t.Name, Slug: t.Slug}); err != nil {
				return err
			}
			for userID, role := range t.Members {
				if !model.Role(role).Valid() {
					return fmt.Errorf("team %s: invalid role %q for %s", t.ID, role, userID)
				}
				if err := upsert(tx, &membershipRow{UserID: userID, TeamID: t.ID, Role: role}); err != nil {
					return err
				}
			}
		}
		for _, c := range data.Calendars {
			vis := model.Visibility(c.Visibility)
			if vis == "" {
				vis = model.VisibilityPrivate
			}
			if !vis.Valid() {
				return fmt.Errorf("calendar %s: invalid visibility %q", c.ID, c.Visibility)
			}
			cal := model.Calendar{ID: c.ID, OwnerID: c.OwnerID, Name: c.Name, Color: c.Color, Visibility: vis, IsDefault: c.Default}
			if c.TeamID != "" {
				teamID := c.TeamID
				cal.TeamID = &teamID
			}
			row := fromCalendar(cal)
			if err := upsert(tx, &row); err != nil {
				return err
			}
			for userID, perm := range c.Grants {
				p, err := model.ParsePermission(perm)
				if err != nil {
					return fmt.Errorf("calendar %s: %w", c.ID, err)
				}
				if err := upsert(tx, &calendarGrantRow{CalendarID: c.ID, UserID: userID, Permission: p.String()}); err != nil {
					return err
				}
			}
		}
		for _, p := range data.Projects {
			if err := upsert(tx, &projectRow{ID: p.ID, TeamID: p.TeamID, Name: p.Name}); err != nil {
				return err
			}
			for userID, perm := range p.Grants {
				lvl, err := model.ParsePermission(perm)
				if err != nil {
					return fmt.Errorf("project %s: %w", p.ID, err)
				}
				if err := upsert(tx, &projectGrantRow{ProjectID: p.ID, UserID: userID, Permission: lvl.String()}); err != nil {
					return err
				}
			}
		}
		for _, p := range data.Preferences {
			if err := upsert(tx, &preferenceRow{UserID: p.UserID, Type: p.Type, Channels: p.Channels}); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("storage.Seed", err)
}

// PutUser upserts a user profile.
func (s *Store) PutUser(ctx context.Context, u model.User) error {
	row := fromUser(u)
	return classify("storage.PutUser", upsert(s.db.WithContext(ctx), &row))
}

// PutCalendar upserts a calendar.
func (s *Store) PutCalendar(ctx context.Context, c model.Calendar) error {
	row := fromCalendar(c)
	return classify("storage.PutCalendar", upsert(s.db.WithContext(ctx), &row))
}

// PutProject upserts a project.
func (s *Store) PutProject(ctx context.Context, p model.Project) error {
	row := projectRow{ID: p.ID, TeamID: p.TeamID, Name: p.Name, Archived: p.Archived}
	return classify("storage.PutProject", upsert(s.db.WithContext(ctx), &row))
}
