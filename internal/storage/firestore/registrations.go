// Package firestore stores device registrations in Google Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore caps "in" and "array-contains-any" filters at 30 values.
const maxFilterValues = 30

// Store holds the shared client and collection name.
type Store struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

func NewStore(client *firestore.Client, collection string, logger *slog.Logger) *Store {
	return &Store{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "FirestoreStore"),
	}
}

// registrationDoc is the stored form. Topics are written only through
// SetTopics so re-registering a device keeps its subscriptions.
type registrationDoc struct {
	PublisherID    string     `firestore:"publisherId"`
	Username       string     `firestore:"username"`
	AppID          string     `firestore:"appId"`
	DeviceID       string     `firestore:"deviceId"`
	RegistrationID string     `firestore:"registrationId"`
	Platform       string     `firestore:"platform"`
	SchemaVersion  int        `firestore:"scmVersion"`
	Endpoint       string     `firestore:"endpoint,omitempty"`
	P256dh         string     `firestore:"p256dh,omitempty"`
	Auth           string     `firestore:"auth,omitempty"`
	ExpirationTime *time.Time `firestore:"expirationTime,omitempty"`
	Topics         []string   `firestore:"topics,omitempty"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

func (d registrationDoc) record() push.Record {
	return push.Record{
		Tenant:         push.Tenant{PublisherID: d.PublisherID, Username: d.Username, AppID: d.AppID},
		DeviceID:       d.DeviceID,
		RegistrationID: d.RegistrationID,
		Platform:       push.Platform(d.Platform),
		SchemaVersion:  d.SchemaVersion,
		Endpoint:       d.Endpoint,
		P256dh:         d.P256dh,
		Auth:           d.Auth,
		ExpirationTime: d.ExpirationTime,
	}
}

// fields is the merge payload for an upsert.
func fields(rec push.Record) map[string]interface{} {
	f := map[string]interface{}{
		"publisherId":    rec.PublisherID,
		"username":       rec.Username,
		"appId":          rec.AppID,
		"deviceId":       rec.DeviceID,
		"registrationId": rec.RegistrationID,
		"platform":       string(rec.Platform),
		"scmVersion":     rec.SchemaVersion,
		"updatedAt":      firestore.ServerTimestamp,
	}
	if rec.Platform == push.PlatformWebPush {
		f["endpoint"] = rec.Endpoint
		f["p256dh"] = rec.P256dh
		f["auth"] = rec.Auth
		if rec.ExpirationTime != nil {
			f["expirationTime"] = *rec.ExpirationTime
		}
	}
	return f
}

// RegistrationStore implements dispatch.RegistrationStore for one platform.
type RegistrationStore[R push.Registration] struct {
	*Store
	platform   push.Platform
	fromRecord func(push.Record) R
}

var (
	_ dispatch.RegistrationStore[push.DeviceRegistration]  = (*RegistrationStore[push.DeviceRegistration])(nil)
	_ dispatch.RegistrationStore[push.WebPushRegistration] = (*RegistrationStore[push.WebPushRegistration])(nil)
)

func NewDeviceStore(store *Store, platform push.Platform) *RegistrationStore[push.DeviceRegistration] {
	return &RegistrationStore[push.DeviceRegistration]{Store: store, platform: platform, fromRecord: push.DeviceFromRecord}
}

func NewWebPushStore(store *Store) *RegistrationStore[push.WebPushRegistration] {
	return &RegistrationStore[push.WebPushRegistration]{Store: store, platform: push.PlatformWebPush, fromRecord: push.WebPushFromRecord}
}

// Registrations resolves the message's tenant on this platform. A topic filter
// is applied in the query; device ids are queried directly when there is no
// topic filter and matched in memory otherwise.
func (s *RegistrationStore[R]) Registrations(ctx context.Context, msg *push.Message) ([]R, error) {
	base := s.client.Collection(s.collection).
		Where("publisherId", "==", msg.PublisherID).
		Where("username", "==", msg.Username).
		Where("appId", "==", msg.AppID).
		Where("platform", "==", string(s.platform))

	var queries []firestore.Query
	topics := msg.TopicList()
	switch {
	case len(topics) > 0:
		for chunk := range slices.Chunk(topics, maxFilterValues) {
			queries = append(queries, base.Where("topics", "array-contains-any", chunk))
		}
	case len(msg.DeviceIDs) > 0:
		for chunk := range slices.Chunk(msg.DeviceIDs, maxFilterValues) {
			queries = append(queries, base.Where("deviceId", "in", chunk))
		}
	default:
		queries = append(queries, base)
	}

	seen := make(map[string]bool)
	var regs []R
	for _, q := range queries {
		iter := q.Documents(ctx)
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, push.NewErrorWithCause(push.ErrCodeDatabase, "firestore iteration failed", err)
			}
			if seen[doc.Ref.ID] {
				continue
			}
			seen[doc.Ref.ID] = true

			var record registrationDoc
			if err := doc.DataTo(&record); err != nil {
				s.logger.Warn("Skipping unreadable registration", "doc", doc.Ref.ID, "err", err)
				continue
			}
			if len(topics) > 0 && len(msg.DeviceIDs) > 0 && !slices.Contains(msg.DeviceIDs, record.DeviceID) {
				continue
			}
			regs = append(regs, s.fromRecord(record.record()))
		}
		iter.Stop()
	}
	return regs, nil
}

// PersistRegistrations merges each registration into its device document.
func (s *RegistrationStore[R]) PersistRegistrations(ctx context.Context, batch []R) (dispatch.PersistResult, error) {
	var result dispatch.PersistResult
	if len(batch) == 0 {
		return result, nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(batch))
	for _, reg := range batch {
		rec := reg.Record()
		job, err := bw.Set(s.deviceRef(rec.Tenant, rec.DeviceID), fields(rec), firestore.MergeAll)
		if err != nil {
			result.Failed++
			continue
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var lastErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
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

// DeleteInvalidRegistrations removes the documents holding tokens. Tokens
// with no document count as deleted.
func (s *RegistrationStore[R]) DeleteInvalidRegistrations(ctx context.Context, platform push.Platform, tokens []string) (dispatch.PersistResult, error) {
	var result dispatch.PersistResult
	if len(tokens) == 0 {
		return result, nil
	}
	field := "registrationId"
	if platform == push.PlatformWebPush {
		field = "endpoint"
	}

	var refs []*firestore.DocumentRef
	for chunk := range slices.Chunk(tokens, maxFilterValues) {
		docs, err := s.client.Collection(s.collection).
			Where("platform", "==", string(platform)).
			Where(field, "in", chunk).
			Documents(ctx).GetAll()
		if err != nil {
			return result, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to find invalid registrations", err)
		}
		for _, doc := range docs {
			refs = append(refs, doc.Ref)
		}
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			return result, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to queue delete", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return result, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to delete invalid registration", err)
		}
	}
	result.Succeeded = len(tokens)
	return result, nil
}

var _ dispatch.TopicStore = (*Store)(nil)

// Topics returns the device's subscriptions, sorted. A device that never
// registered is NotFound.
func (s *Store) Topics(ctx context.Context, tenant push.Tenant, deviceID string) ([]string, error) {
	snap, err := s.deviceRef(tenant, deviceID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, push.NewError(push.ErrCodeNotFound, "Device not found.")
	}
	if err != nil {
		return nil, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to load device", err)
	}
	var record registrationDoc
	if err := snap.DataTo(&record); err != nil {
		return nil, push.NewErrorWithCause(push.ErrCodeDatabase, "failed to decode device", err)
	}
	topics := append([]string{}, record.Topics...)
	sort.Strings(topics)
	return topics, nil
}

// SetTopics replaces the subscriptions of a registered device.
func (s *Store) SetTopics(ctx context.Context, tenant push.Tenant, deviceID string, topics []string) error {
	clean := make([]string, 0, len(topics))
	for _, t := range topics {
		if t != "" && !slices.Contains(clean, t) {
			clean = append(clean, t)
		}
	}
	_, err := s.deviceRef(tenant, deviceID).Update(ctx, []firestore.Update{
		{Path: "topics", Value: clean},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
	if status.Code(err) == codes.NotFound {
		return push.NewError(push.ErrCodeNotFound, "Device not found.")
	}
	if err != nil {
		return push.NewErrorWithCause(push.ErrCodeDatabase, "failed to save topics", err)
	}
	return nil
}

// deviceRef: {collection}/{hash(tenant, device)}
func (s *Store) deviceRef(tenant push.Tenant, deviceID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(hashKey(fmt.Sprintf("%s/%s", tenant.Key(), deviceID)))
}

func hashKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}
