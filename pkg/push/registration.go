package push

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// SchemaVersion is the registration schema version written by this service.
const SchemaVersion = 1

// Registration is implemented by every platform-specific registration type.
type Registration interface {
	// Token is the transport token used by the platform gateway and as the
	// key for invalid-token deletion.
	Token() string
	// Record flattens the registration into its persistence form.
	Record() Record
	Validate() error
}

// Record is the flat, storage-neutral form shared by all registration kinds.
type Record struct {
	Tenant
	DeviceID       string
	RegistrationID string
	Platform       Platform
	SchemaVersion  int
	Endpoint       string
	P256dh         string
	Auth           string
	ExpirationTime *time.Time
}

// DeviceRegistration is a token-based registration used by APNs and FCM.
type DeviceRegistration struct {
	Tenant
	DeviceID       string   `json:"deviceId"`
	RegistrationID string   `json:"registrationId"`
	Platform       Platform `json:"platform"`
	SchemaVersion  int      `json:"scmVersion"`
}

func (r DeviceRegistration) Token() string {
	return r.RegistrationID
}

func (r DeviceRegistration) Record() Record {
	version := r.SchemaVersion
	if version == 0 {
		version = SchemaVersion
	}
	return Record{
		Tenant:         r.Tenant,
		DeviceID:       r.DeviceID,
		RegistrationID: r.RegistrationID,
		Platform:       r.Platform,
		SchemaVersion:  version,
	}
}

// Validate rejects a registration with any required field blank.
func (r DeviceRegistration) Validate() error {
	if err := r.Tenant.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.DeviceID, validation.Required),
		validation.Field(&r.RegistrationID, validation.Required),
		validation.Field(&r.Platform, validation.Required, validation.In(PlatformAPN, PlatformGCM, PlatformWebPush)),
	)
}

// Validate requires the username and app id. The publisher id is optional.
func (t Tenant) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Username, validation.Required),
		validation.Field(&t.AppID, validation.Required),
	)
}

// DeviceFromRecord rebuilds a DeviceRegistration.
func DeviceFromRecord(rec Record) DeviceRegistration {
	return DeviceRegistration{
		Tenant:         rec.Tenant,
		DeviceID:       rec.DeviceID,
		RegistrationID: rec.RegistrationID,
		Platform:       rec.Platform,
		SchemaVersion:  rec.SchemaVersion,
	}
}

// WebPushRegistration is a VAPID subscription. Its endpoint doubles as the token.
type WebPushRegistration struct {
	DeviceRegistration
	Endpoint       string     `json:"endpoint"`
	P256dh         string     `json:"p256dh"`
	Auth           string     `json:"auth"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
}

func (r WebPushRegistration) Token() string {
	return r.Endpoint
}

func (r WebPushRegistration) Record() Record {
	rec := r.DeviceRegistration.Record()
	rec.Platform = PlatformWebPush
	if rec.RegistrationID == "" {
		rec.RegistrationID = r.Endpoint
	}
	rec.Endpoint = r.Endpoint
	rec.P256dh = r.P256dh
	rec.Auth = r.Auth
	rec.ExpirationTime = r.ExpirationTime
	return rec
}

func (r WebPushRegistration) Validate() error {
	if err := r.Tenant.Validate(); err != nil {
		return err
	}
	if err := (validation.Errors{
		"deviceId": validation.Validate(r.DeviceID, validation.Required),
	}).Filter(); err != nil {
		return err
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.Endpoint, validation.Required, is.URL),
		validation.Field(&r.P256dh, validation.Required),
		validation.Field(&r.Auth, validation.Required),
	)
}

// WebPushFromRecord rebuilds a WebPushRegistration.
func WebPushFromRecord(rec Record) WebPushRegistration {
	return WebPushRegistration{
		DeviceRegistration: DeviceFromRecord(rec),
		Endpoint:           rec.Endpoint,
		P256dh:             rec.P256dh,
		Auth:               rec.Auth,
		ExpirationTime:     rec.ExpirationTime,
	}
}
