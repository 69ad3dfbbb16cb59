package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type topicRow struct {
	ID          int64     `db:"id"`
	PublisherID string    `db:"publisher_id"`
	Username    string    `db:"username"`
	AppID       string    `db:"app_id"`
	DeviceID    string    `db:"device_id"`
	Topic       string    `db:"topic"`
	IsActive    bool      `db:"is_active"`
	UpdatedAt   time.Time `db:"updated_at"`
}

var _ dispatch.TopicStore = (*DB)(nil)

// Topics lists the active topic subscriptions of a device, sorted.
func (d *DB) Topics(ctx context.Context, tenant push.Tenant, deviceID string) ([]string, error) {
	var rows []topicRow
	err := d.db.WithContext(ctx).Select("*").
		From(d.topicTable()).
		Where("publisher_id = ? AND username = ? AND app_id = ? AND device_id = ? AND is_active = ?",
			tenant.PublisherID, tenant.Username, tenant.AppID, deviceID, true).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to load topics", err)
	}

	topics := make([]string, 0, len(rows))
	for _, row := range rows {
		topics = append(topics, row.Topic)
	}
	sort.Strings(topics)
	return topics, nil
}

// SetTopics replaces the device's subscriptions with topics.
func (d *DB) SetTopics(ctx context.Context, tenant push.Tenant, deviceID string, topics []string) error {
	now := time.Now().UTC()
	_, err := d.db.WithContext(ctx).Update(d.topicTable()).
		Set(map[string]interface{}{
			"is_active":  false,
			"updated_at": now,
		}).
		Where("publisher_id = ? AND username = ? AND app_id = ? AND device_id = ?",
			tenant.PublisherID, tenant.Username, tenant.AppID, deviceID).
		WithContext(ctx).
		Execute()
	if err != nil {
		return push.NewErrorWithCause(push.ErrCodeDatabase, "failed to clear topics", err)
	}

	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		if err := d.activateTopic(ctx, tenant, deviceID, topic, now); err != nil {
			return push.NewErrorWithCause(push.ErrCodeDatabase, "failed to save topic", err)
		}
	}
	return nil
}

func (d *DB) activateTopic(ctx context.Context, tenant push.Tenant, deviceID, topic string, now time.Time) error {
	var row topicRow
	err := d.db.WithContext(ctx).Select("*").
		From(d.topicTable()).
		Where("publisher_id = ? AND username = ? AND app_id = ? AND device_id = ? AND topic = ?",
			tenant.PublisherID, tenant.Username, tenant.AppID, deviceID, topic).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		row = topicRow{
			PublisherID: tenant.PublisherID,
			Username:    tenant.Username,
			AppID:       tenant.AppID,
			DeviceID:    deviceID,
			Topic:       topic,
			IsActive:    true,
			UpdatedAt:   now,
		}
		return d.db.WithContext(ctx).Model(&row).Table(d.topicTable()).Insert()
	}
	if err != nil {
		return err
	}
	row.IsActive = true
	row.UpdatedAt = now
	return d.db.WithContext(ctx).Model(&row).Table(d.topicTable()).Update()
}
