package apns

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sideshow/apns2/payload"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const (
	// MaxPayloadSize is the APNs limit for non-VoIP notifications.
	MaxPayloadSize = 4096

	// defaultType is the message type that carries no custom "scm" block.
	defaultType = "announcement"
)

// BuildPayload maps the message data map onto an APNs payload. Well-known
// keys become aps fields; everything else is carried in a custom "scm" dictionary.
func BuildPayload(data map[string]string) (*payload.Payload, error) {
	rest := make(map[string]string, len(data))
	for k, v := range data {
		rest[k] = v
	}
	p := payload.NewPayload()

	if alert, ok := rest["alert"]; ok {
		if limit := MaxPayloadSize - 23; len(alert) > limit {
			alert = alert[:limit] + "..."
		}
		p.Alert(alert)
		delete(rest, "alert")
	} else if title, ok := rest["alertTitle"]; ok {
		if body, ok := rest["alertBody"]; ok {
			p.AlertTitle(title).AlertBody(body)
		}
	}

	if badge, ok := rest["badge"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(badge))
		if err != nil {
			n = 1
		}
		p.Badge(n)
		delete(rest, "badge")
	}

	if sound, ok := rest["sound"]; ok {
		if sound = strings.TrimSpace(sound); sound != "" {
			p.Sound(sound)
		}
		delete(rest, "sound")
	}

	if _, ok := rest["content-available"]; ok {
		p.ContentAvailable()
		delete(rest, "content-available")
	}

	for _, key := range []string{"action", "external_action"} {
		if v := strings.TrimSpace(rest[key]); v != "" {
			p.Custom(key, v)
		}
		delete(rest, key)
	}

	externalImg := strings.TrimSpace(rest["external_img"])
	localImg := strings.TrimSpace(rest["local_img"])
	buttons, hasButtons := rest["buttons"]
	if externalImg != "" || localImg != "" || hasButtons {
		p.MutableContent()
		switch {
		case externalImg != "":
			p.Custom("external_img", externalImg)
		case localImg != "":
			p.Custom("local_img", localImg)
		}
		if hasButtons {
			var parsed []interface{}
			if err := json.Unmarshal([]byte(buttons), &parsed); err != nil {
				return nil, fmt.Errorf("buttons must be a JSON array: %w", err)
			}
			p.Category(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
			p.Custom("buttons", parsed)
		}
	}

	module, hasModule := rest["module"]
	if hasModule && module != "" || rest["type"] != defaultType {
		p.Custom("scm", rest)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode APNs payload: %w", err)
	}
	if len(raw) > MaxPayloadSize {
		return nil, push.NewError(push.ErrCodePayloadTooBig,
			fmt.Sprintf("Payload too large (must be %d bytes or smaller)", MaxPayloadSize))
	}
	return p, nil
}
