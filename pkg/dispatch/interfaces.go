// Package dispatch defines the contracts between the dispatch engine and the
// platform, credential and storage collaborators it drives.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// BatchResult is the outcome of sending one batch of registrations.
type BatchResult struct {
	Delivered    int
	Updated      int
	Failed       int
	Unregistered int
	// Invalid lists tokens the gateway reported as permanently bad.
	Invalid []string
	// Detail is free text appended to the message's error detail.
	Detail string
}

// Sender transmits a message to one batch of registrations on a specific platform.
//
// A returned error is severe: it aborts the remaining batches of the message.
// An error matching push.ErrPayloadTooBig fails the message as PayloadTooBig,
// any other as InternalError. Per-token failures are reported in BatchResult.
type Sender[R push.Registration, C any] interface {
	Send(ctx context.Context, credential C, msg *push.Message, batch []R) (BatchResult, error)
}

// CredentialProvider returns the tenant credential for a platform. An error
// matching push.ErrConfiguration means the credential is missing or expired.
type CredentialProvider[C any] interface {
	Credential(ctx context.Context, tenant push.Tenant) (C, error)
}

// RegistrationResolver finds the registrations a message fans out to, honouring
// the message's tenant, platform, device-id and topic filters.
type RegistrationResolver[R push.Registration] interface {
	Registrations(ctx context.Context, msg *push.Message) ([]R, error)
}

// PersistResult counts rows accepted and rejected by a repository call.
type PersistResult struct {
	Succeeded int
	Failed    int
}

// Repository persists registration bookkeeping produced by the dispatch engine.
// Both operations must be idempotent.
type Repository[R push.Registration] interface {
	PersistRegistrations(ctx context.Context, batch []R) (PersistResult, error)
	DeleteInvalidRegistrations(ctx context.Context, platform push.Platform, tokens []string) (PersistResult, error)
}

// RegistrationStore is the full storage contract implemented by the storage adapters.
type RegistrationStore[R push.Registration] interface {
	RegistrationResolver[R]
	Repository[R]
}

// TopicStore manages per-device topic subscriptions.
type TopicStore interface {
	Topics(ctx context.Context, tenant push.Tenant, deviceID string) ([]string, error)
	SetTopics(ctx context.Context, tenant push.Tenant, deviceID string, topics []string) error
}
