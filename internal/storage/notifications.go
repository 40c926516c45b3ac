package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"teamcal/internal/apperr"
	"teamcal/internal/model"
)

// InsertNotification creates n unless a row with the same dedup key
// exists. It returns the stored row and whether this call created it.
func (s *Store) InsertNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	const op = "storage.InsertNotification"
	row := fromNotification(n)
	if row.SentAt.IsZero() {
		row.SentAt = time.Now().UTC()
	}
	if row.Delivered == nil {
		row.Delivered = []string{}
	}

	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return model.Notification{}, false, classify(op, res.Error)
	}
	if res.RowsAffected == 1 {
		return toNotification(row), true, nil
	}

	var existing notificationRow
	err := db.Where("recipient_id = ? AND type = ? AND resource_id = ? AND mutation_version = ?",
		n.RecipientID, string(n.Type), n.ResourceID, n.MutationVersion).
		Take(&existing).Error
	if err != nil {
		return model.Notification{}, false, classify(op, err)
	}
	return toNotification(existing), false, nil
}

// MarkDelivered records that ch delivered notification id.
func (s *Store) MarkDelivered(ctx context.Context, id string, ch model.Channel) error {
	const op = "storage.MarkDelivered"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row notificationRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "notification", id)
			}
			return err
		}
		for _, d := range row.Delivered {
			if d == string(ch) {
				return nil
			}
		}
		row.Delivered = append(row.Delivered, string(ch))
		return tx.Save(&row).Error
	})
	return classify(op, err)
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	q := s.db.WithContext(ctx).Where("recipient_id = ?", recipientID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []notificationRow
	if err := q.Order("sent_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, classify("storage.ListNotifications", err)
	}
	out := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, toNotification(r))
	}
	return out, nil
}

// MarkRead sets read_at once. Marking someone else's notification is
// reported as not found.
func (s *Store) MarkRead(ctx context.Context, recipientID, id string, at time.Time) error {
	const op = "storage.MarkRead"
	db := s.db.WithContext(ctx)
	var row notificationRow
	if err := db.Where("id = ? AND recipient_id = ?", id, recipientID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(op, "notification", id)
		}
		return classify(op, err)
	}
	if row.ReadAt != nil {
		return nil
	}
	err := db.Model(&notificationRow{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", at.UTC()).Error
	return classify(op, err)
}

// Preferences returns the opt-in channels of userID for typ.
func (s *Store) Preferences(ctx context.Context, userID string, typ model.NotificationType) ([]model.Channel, error) {
	var row preferenceRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND type = ?", userID, string(typ)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("storage.Preferences", err)
	}
	return stringsToChannels(row.Channels), nil
}

func (s *Store) SetPreference(ctx context.Context, p model.ChannelPreference) error {
	row := preferenceRow{UserID: p.UserID, Type: string(p.Type), Channels: channelsToStrings(p.Channels)}
	return classify("storage.SetPreference", upsert(s.db.WithContext(ctx), &row))
}
