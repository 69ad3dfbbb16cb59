package push

import (
	"errors"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var deviceIDPattern = regexp.MustCompile(`^[0-9A-Za-z-]{10,36}$`)

// SendRequest is the inbound representation of a notification request, as
// received over HTTP or from the ingestion subscription.
type SendRequest struct {
	PublisherID          string            `json:"publisherId"`
	Username             string            `json:"username"`
	AppID                string            `json:"appId"`
	Platform             Platform          `json:"platform"`
	UniqueAppID          string            `json:"uniqueAppId,omitempty"`
	Data                 map[string]string `json:"data"`
	Topics               string            `json:"topics,omitempty"`
	DeviceIDs            []string          `json:"deviceIds,omitempty"`
	QuickDeliveryTimeout int               `json:"quickDeliveryTimeout,omitempty"`
	IsTestMessage        bool              `json:"isTestMessage,omitempty"`
	SendSynchronously    bool              `json:"sendSynchronously,omitempty"`
}

var errNoModuleOrType = errors.New("must contain a type or module")

// Validate checks the request is decodable into a dispatchable message.
// The platform is not checked here; routing rejects unsupported platforms.
func (r SendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required),
		validation.Field(&r.AppID, validation.Required),
		validation.Field(&r.Data, validation.Required, validation.By(hasModuleOrType)),
		validation.Field(&r.DeviceIDs, validation.Each(validation.Match(deviceIDPattern))),
		validation.Field(&r.QuickDeliveryTimeout, validation.Min(0)),
	)
}

func hasModuleOrType(value interface{}) error {
	data, _ := value.(map[string]string)
	if data["type"] == "" && data["module"] == "" {
		return errNoModuleOrType
	}
	return nil
}

// ToMessage validates the request and builds a new Message from it.
func (r SendRequest) ToMessage() (*Message, error) {
	if err := r.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid message request", err)
	}
	msg := NewMessage(Tenant{PublisherID: r.PublisherID, Username: r.Username, AppID: r.AppID}, r.Platform, r.Data)
	msg.UniqueAppID = r.UniqueAppID
	msg.Topics = r.Topics
	msg.DeviceIDs = r.DeviceIDs
	msg.QuickDeliveryTimeout = time.Duration(r.QuickDeliveryTimeout) * time.Second
	msg.IsTestMessage = r.IsTestMessage
	msg.SendSynchronously = r.SendSynchronously
	return msg, nil
}
