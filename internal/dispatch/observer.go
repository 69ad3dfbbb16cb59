package dispatch

import (
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Persisted     int
	PersistFailed int
	Deleted       int
	DeleteFailed  int
	Requeued      int
}

// Observer receives lifecycle events from a Service. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	MessageStarted(platform push.Platform, msg *push.Message)
	MessageFinished(platform push.Platform, msg *push.Message)
	MaintenanceCompleted(platform push.Platform, report MaintenanceReport)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) MessageStarted(platform push.Platform, msg *push.Message) {
	for _, obs := range o {
		obs.MessageStarted(platform, msg)
	}
}

func (o Observers) MessageFinished(platform push.Platform, msg *push.Message) {
	for _, obs := range o {
		obs.MessageFinished(platform, msg)
	}
}

func (o Observers) MaintenanceCompleted(platform push.Platform, report MaintenanceReport) {
	for _, obs := range o {
		obs.MaintenanceCompleted(platform, report)
	}
}
