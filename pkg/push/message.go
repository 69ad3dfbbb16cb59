// Package push contains the public domain model of the push dispatch service:
// messages, their status machine, device registrations and typed errors.
package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Platform identifies a push gateway.
type Platform string

const (
	PlatformAPN     Platform = "apn"
	PlatformGCM     Platform = "gcm"
	PlatformWebPush Platform = "web_push"
)

// Platforms lists every platform the service can dispatch to.
var Platforms = []Platform{PlatformAPN, PlatformGCM, PlatformWebPush}

// Supported reports whether p is one of Platforms.
func (p Platform) Supported() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a Message.
type Status int32

const (
	StatusUnknown Status = iota
	StatusQueued
	StatusProcessing
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// ErrorKind classifies why a message failed.
type ErrorKind int32

const (
	ErrorNone ErrorKind = iota
	ErrorOverCapacity
	ErrorConfiguration
	ErrorPayloadTooBig
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorOverCapacity:
		return "overCapacity"
	case ErrorConfiguration:
		return "configurationError"
	case ErrorPayloadTooBig:
		return "payloadTooBig"
	case ErrorInternal:
		return "internalServerError"
	default:
		return ""
	}
}

const (
	// BigMessageThreshold is the registration count above which a message is big.
	BigMessageThreshold = 50000

	// MaxErrorDetailLength caps the accumulated free-text error detail.
	MaxErrorDetailLength = 5000

	unresolvedTotal = -1
)

// Tenant is the publisher/owner/app triple that scopes registrations and credentials.
type Tenant struct {
	PublisherID string `json:"publisherId"`
	Username    string `json:"username"`
	AppID       string `json:"appId"`
}

// Key is a stable string form of the tenant, usable as a map or cache key.
func (t Tenant) Key() string {
	return t.PublisherID + "/" + t.Username + "/" + t.AppID
}

// Counters is a point-in-time view of a message's delivery progress.
type Counters struct {
	Total        int64 `json:"total"`
	Processed    int64 `json:"processed"`
	Delivered    int64 `json:"delivered"`
	Updated      int64 `json:"updated"`
	Failed       int64 `json:"failed"`
	Unregistered int64 `json:"unregistered"`
}

// Progress is the outcome of one transmission batch.
type Progress struct {
	Processed    int
	Delivered    int
	Updated      int
	Failed       int
	Unregistered int
}

// Message is a notification request and its delivery state.
//
// Identity and payload fields are set before the message is enqueued and are
// read-only afterwards. The state fields are written only by the worker that
// currently owns the message and may be read concurrently by anyone, so they
// are atomics. A Message must not be copied.
type Message struct {
	ID string
	Tenant
	Platform Platform

	// UniqueAppID is the platform-side app identifier, the APNs topic.
	UniqueAppID          string
	Data                 map[string]string
	Topics               string
	DeviceIDs            []string
	QuickDeliveryTimeout time.Duration
	IsTestMessage        bool
	SendSynchronously    bool
	CreatedAt            time.Time

	status        atomic.Int32
	statusChanged atomic.Int64
	errorKind     atomic.Int32
	errorDetail   atomic.Pointer[string]

	total        atomic.Int64
	processed    atomic.Int64
	delivered    atomic.Int64
	updated      atomic.Int64
	failed       atomic.Int64
	unregistered atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

// NewMessage creates a message in StatusUnknown with a fresh id.
func NewMessage(tenant Tenant, platform Platform, data map[string]string) *Message {
	now := time.Now()
	m := &Message{
		ID:        NewMessageID(),
		Tenant:    tenant,
		Platform:  platform,
		Data:      data,
		CreatedAt: now,
		done:      make(chan struct{}),
	}
	m.total.Store(unresolvedTotal)
	m.statusChanged.Store(now.UnixNano())
	return m
}

// TopicList splits the comma-separated topic filter. An empty result means
// the message is not topic-filtered.
func (m *Message) TopicList() []string {
	var topics []string
	for _, t := range strings.Split(m.Topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// NewMessageID returns 32 lowercase hex characters.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Message) Status() Status {
	return Status(m.status.Load())
}

func (m *Message) StatusChangedAt() time.Time {
	return time.Unix(0, m.statusChanged.Load())
}

func (m *Message) ErrorKind() ErrorKind {
	return ErrorKind(m.errorKind.Load())
}

func (m *Message) ErrorDetail() string {
	if p := m.errorDetail.Load(); p != nil {
		return *p
	}
	return ""
}

// Done is closed once the message reaches a terminal status.
func (m *Message) Done() <-chan struct{} {
	return m.done
}

// MarkQueued moves Unknown to Queued.
func (m *Message) MarkQueued() bool {
	return m.transition(StatusUnknown, StatusQueued)
}

// MarkProcessing moves Queued to Processing.
func (m *Message) MarkProcessing() bool {
	return m.transition(StatusQueued, StatusProcessing)
}

// MarkDelivered moves Processing to Delivered.
func (m *Message) MarkDelivered() bool {
	if !m.transition(StatusProcessing, StatusDelivered) {
		return false
	}
	m.finish()
	return true
}

// Fail moves any non-terminal status to Failed with exactly one error
// classification. It returns false if the message was already terminal, in
// which case kind and detail are discarded. Both are recorded before Done closes.
func (m *Message) Fail(kind ErrorKind, detail string) bool {
	for {
		current := m.Status()
		if current.Terminal() {
			return false
		}
		if m.transition(current, StatusFailed) {
			m.errorKind.Store(int32(kind))
			if detail != "" {
				m.AppendErrorDetail(detail)
			}
			m.finish()
			return true
		}
	}
}

func (m *Message) transition(from, to Status) bool {
	if !m.status.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.statusChanged.Store(time.Now().UnixNano())
	return true
}

func (m *Message) finish() {
	m.doneOnce.Do(func() {
		if m.done != nil {
			close(m.done)
		}
	})
}

// AssignRegistrations records the resolved registration count. It succeeds
// at most once per message.
func (m *Message) AssignRegistrations(total int) bool {
	return m.total.CompareAndSwap(unresolvedTotal, int64(total))
}

// RegistrationsTotal is -1 until registrations are assigned.
func (m *Message) RegistrationsTotal() int64 {
	return m.total.Load()
}

// IsBig reports whether the message fans out to more than BigMessageThreshold registrations.
func (m *Message) IsBig() bool {
	return m.total.Load() > BigMessageThreshold
}

// AddProgress folds one batch outcome into the counters. It is a no-op once
// the message is terminal, and processed never exceeds total.
func (m *Message) AddProgress(p Progress) {
	if m.Status().Terminal() {
		return
	}
	processed := int64(p.Processed)
	if total := m.total.Load(); total >= 0 {
		if room := total - m.processed.Load(); processed > room {
			processed = room
		}
	}
	m.processed.Add(processed)
	m.delivered.Add(int64(p.Delivered))
	m.updated.Add(int64(p.Updated))
	m.failed.Add(int64(p.Failed))
	m.unregistered.Add(int64(p.Unregistered))
}

// AppendErrorDetail adds a line to the error detail, capped at MaxErrorDetailLength.
func (m *Message) AppendErrorDetail(line string) {
	current := m.ErrorDetail()
	if len(current) >= MaxErrorDetailLength {
		return
	}
	next := line
	if current != "" {
		next = current + "\n" + line
	}
	if len(next) > MaxErrorDetailLength {
		next = next[:MaxErrorDetailLength]
	}
	m.errorDetail.Store(&next)
}

// Counters returns a best-effort snapshot of the delivery counters.
func (m *Message) Counters() Counters {
	return Counters{
		Total:        m.total.Load(),
		Processed:    m.processed.Load(),
		Delivered:    m.delivered.Load(),
		Updated:      m.updated.Load(),
		Failed:       m.failed.Load(),
		Unregistered: m.unregistered.Load(),
	}
}

type deliveryError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type statusDocument struct {
	ID                string            `json:"id"`
	PublisherID       string            `json:"publisherId"`
	AppOwnerUsername  string            `json:"appOwnerUsername"`
	AppID             string            `json:"appId"`
	Status            string            `json:"status"`
	CreatedDate       time.Time         `json:"createdDate"`
	StatusChangedDate time.Time         `json:"statusChangedDate"`
	Platform          Platform          `json:"platform"`
	IsTestMessage     bool              `json:"isTestMessage"`
	Registrations     Counters          `json:"registrations"`
	IsBig             bool              `json:"isBig"`
	Topics            string            `json:"topics,omitempty"`
	Data              map[string]string `json:"data"`
	DeliveryError     *deliveryError    `json:"deliveryError,omitempty"`
}

// MarshalJSON renders the status document returned by status queries.
func (m *Message) MarshalJSON() ([]byte, error) {
	doc := statusDocument{
		ID:                m.ID,
		PublisherID:       m.PublisherID,
		AppOwnerUsername:  m.Username,
		AppID:             m.AppID,
		Status:            m.Status().String(),
		CreatedDate:       m.CreatedAt,
		StatusChangedDate: m.StatusChangedAt(),
		Platform:          m.Platform,
		IsTestMessage:     m.IsTestMessage,
		Registrations:     m.Counters(),
		IsBig:             m.IsBig(),
		Topics:            m.Topics,
		Data:              m.Data,
	}
	if kind := m.ErrorKind(); kind != ErrorNone {
		doc.DeliveryError = &deliveryError{Reason: kind.String(), Message: m.ErrorDetail()}
	}
	return json.Marshal(doc)
}

func (m *Message) String() string {
	detail := m.ErrorDetail()
	if len(detail) > 100 {
		detail = detail[:100] + "..."
	}
	c := m.Counters()
	return fmt.Sprintf("Message{id=%s, app=%s, platform=%s, status=%s, total=%d, processed=%d, delivered=%d, failed=%d, error=%q}",
		m.ID, m.Tenant.Key(), m.Platform, m.Status(), c.Total, c.Processed, c.Delivered, c.Failed, detail)
}
