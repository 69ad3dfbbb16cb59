package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coregx/relica"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// DB is a Relica handle shared by the per-platform registration stores and
// the topic store.
type DB struct {
	db          *relica.DB
	tablePrefix string
	logger      *slog.Logger
}

// NewDB wraps sqlDB. The driverName should be "mysql", "postgres", or "sqlite3".
func NewDB(sqlDB *sql.DB, driverName, prefix string, logger *slog.Logger) *DB {
	return &DB{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
		logger:      logger.With("component", "SQLStore"),
	}
}

func (d *DB) registrationTable() string {
	return d.tablePrefix + "registration"
}

func (d *DB) topicTable() string {
	return d.tablePrefix + "device_topic"
}

type registrationRow struct {
	ID             int64      `db:"id"`
	PublisherID    string     `db:"publisher_id"`
	Username       string     `db:"username"`
	AppID          string     `db:"app_id"`
	DeviceID       string     `db:"device_id"`
	RegistrationID string     `db:"registration_id"`
	Platform       string     `db:"platform"`
	SchemaVersion  int        `db:"scm_version"`
	Endpoint       string     `db:"endpoint"`
	P256dh         string     `db:"p256dh"`
	Auth           string     `db:"auth"`
	ExpirationTime *time.Time `db:"expiration_time"`
	IsActive       bool       `db:"is_active"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r registrationRow) record() push.Record {
	return push.Record{
		Tenant:         push.Tenant{PublisherID: r.PublisherID, Username: r.Username, AppID: r.AppID},
		DeviceID:       r.DeviceID,
		RegistrationID: r.RegistrationID,
		Platform:       push.Platform(r.Platform),
		SchemaVersion:  r.SchemaVersion,
		Endpoint:       r.Endpoint,
		P256dh:         r.P256dh,
		Auth:           r.Auth,
		ExpirationTime: r.ExpirationTime,
	}
}

func (r *registrationRow) apply(rec push.Record, now time.Time) {
	r.PublisherID = rec.PublisherID
	r.Username = rec.Username
	r.AppID = rec.AppID
	r.DeviceID = rec.DeviceID
	r.RegistrationID = rec.RegistrationID
	r.Platform = string(rec.Platform)
	r.SchemaVersion = rec.SchemaVersion
	r.Endpoint = rec.Endpoint
	r.P256dh = rec.P256dh
	r.Auth = rec.Auth
	r.ExpirationTime = rec.ExpirationTime
	r.IsActive = true
	r.UpdatedAt = now
}

// RegistrationStore implements dispatch.RegistrationStore for one platform.
type RegistrationStore[R push.Registration] struct {
	db         *DB
	platform   push.Platform
	fromRecord func(push.Record) R
}

var (
	_ dispatch.RegistrationStore[push.DeviceRegistration]  = (*RegistrationStore[push.DeviceRegistration])(nil)
	_ dispatch.RegistrationStore[push.WebPushRegistration] = (*RegistrationStore[push.WebPushRegistration])(nil)
)

// NewDeviceStore serves token-based registrations (APNs, FCM).
func NewDeviceStore(db *DB, platform push.Platform) *RegistrationStore[push.DeviceRegistration] {
	return &RegistrationStore[push.DeviceRegistration]{db: db, platform: platform, fromRecord: push.DeviceFromRecord}
}

// NewWebPushStore serves VAPID subscriptions.
func NewWebPushStore(db *DB) *RegistrationStore[push.WebPushRegistration] {
	return &RegistrationStore[push.WebPushRegistration]{db: db, platform: push.PlatformWebPush, fromRecord: push.WebPushFromRecord}
}

// Registrations returns the active registrations of the message's tenant on
// this platform, narrowed by device ids and topic subscriptions when set.
func (s *RegistrationStore[R]) Registrations(ctx context.Context, msg *push.Message) ([]R, error) {
	q := s.db.db.WithContext(ctx).Select("*").
		From(s.db.registrationTable()).
		Where("publisher_id = ? AND username = ? AND app_id = ? AND platform = ? AND is_active = ?",
			msg.PublisherID, msg.Username, msg.AppID, string(s.platform), true)

	if len(msg.DeviceIDs) > 0 {
		q = q.Where("device_id IN ("+placeholders(len(msg.DeviceIDs))+")", toArgs(msg.DeviceIDs)...)
	}
	if topics := msg.TopicList(); len(topics) > 0 {
		args := append([]interface{}{msg.PublisherID, msg.Username, msg.AppID, true}, toArgs(topics)...)
		q = q.Where(fmt.Sprintf(
			"device_id IN (SELECT device_id FROM %s WHERE publisher_id = ? AND username = ? AND app_id = ? AND is_active = ? AND topic IN (%s))",
			s.db.topicTable(), placeholders(len(topics))), args...)
	}

	var rows []registrationRow
	if err := q.WithContext(ctx).All(&rows); err != nil {
		return nil, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to load registrations", err)
	}

	regs := make([]R, 0, len(rows))
	for _, row := range rows {
		regs = append(regs, s.fromRecord(row.record()))
	}
	return regs, nil
}

// PersistRegistrations upserts each registration keyed by tenant, device and
// platform. A row that fails is counted and logged; the call fails only when
// no row could be written.
func (s *RegistrationStore[R]) PersistRegistrations(ctx context.Context, batch []R) (dispatch.PersistResult, error) {
	var result dispatch.PersistResult
	var lastErr error
	now := time.Now().UTC()

	for _, reg := range batch {
		if err := s.upsert(ctx, reg.Record(), now); err != nil {
			s.db.logger.Warn("Failed to persist registration", "platform", s.platform, "token", reg.Token(), "err", err)
			result.Failed++
			lastErr = err
			continue
		}
		result.Succeeded++
	}

	if result.Succeeded == 0 && lastErr != nil {
		return result, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to persist registrations", lastErr)
	}
	return result, nil
}

func (s *RegistrationStore[R]) upsert(ctx context.Context, rec push.Record, now time.Time) error {
	var row registrationRow
	err := s.db.db.WithContext(ctx).Select("*").
		From(s.db.registrationTable()).
		Where("publisher_id = ? AND username = ? AND app_id = ? AND device_id = ? AND platform = ?",
			rec.PublisherID, rec.Username, rec.AppID, rec.DeviceID, string(rec.Platform)).
		One(&row)

	if errors.Is(err, sql.ErrNoRows) {
		row.apply(rec, now)
		return s.db.db.WithContext(ctx).Model(&row).Table(s.db.registrationTable()).Insert()
	}
	if err != nil {
		return err
	}
	row.apply(rec, now)
	return s.db.db.WithContext(ctx).Model(&row).Table(s.db.registrationTable()).Update()
}

// DeleteInvalidRegistrations deactivates every registration holding one of
// tokens. Deactivated rows are never resolved again, so repeating the call is
// harmless.
func (s *RegistrationStore[R]) DeleteInvalidRegistrations(ctx context.Context, platform push.Platform, tokens []string) (dispatch.PersistResult, error) {
	if len(tokens) == 0 {
		return dispatch.PersistResult{}, nil
	}
	column := "registration_id"
	if platform == push.PlatformWebPush {
		column = "endpoint"
	}

	args := append([]interface{}{string(platform)}, toArgs(tokens)...)
	_, err := s.db.db.WithContext(ctx).Update(s.db.registrationTable()).
		Set(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		}).
		Where("platform = ? AND "+column+" IN ("+placeholders(len(tokens))+")", args...).
		WithContext(ctx).
		Execute()
	if err != nil {
		return dispatch.PersistResult{}, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to delete invalid registrations", err)
	}
	return dispatch.PersistResult{Succeeded: len(tokens)}, nil
}
