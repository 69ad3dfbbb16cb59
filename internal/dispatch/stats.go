package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// statsListLimit bounds how many backlog entries a Stats snapshot lists.
const statsListLimit = 10

// BacklogStats describes one bookkeeping backlog.
type BacklogStats struct {
	Size  int      `json:"size"`
	Items []string `json:"items"`
	More  string   `json:"more,omitempty"`
}

func newBacklogStats(size int, items []string) BacklogStats {
	b := BacklogStats{Size: size, Items: items}
	if extra := size - len(items); extra > 0 {
		b.More = fmt.Sprintf("And %d more registrations", extra)
	}
	return b
}

// Stats is a point-in-time view of one Service. Fields are read without
// coordination and may be mutually inconsistent.
type Stats struct {
	Platform          push.Platform `json:"platform"`
	StartedAt         time.Time     `json:"startedAt"`
	Workers           []WorkerState `json:"workers"`
	QueueLength       int           `json:"queueLength"`
	QueueCapacity     int           `json:"queueCapacity"`
	MaintenanceStatus WorkerStatus  `json:"maintenanceStatus"`
	Pending           BacklogStats  `json:"pendingRegistrations"`
	Processed         int64         `json:"processedRegistrations"`
	Invalid           BacklogStats  `json:"invalidRegistrations"`
	Deleted           int64         `json:"deletedRegistrations"`
}

// BigRunning counts workers currently running a big message.
func (s Stats) BigRunning() int {
	n := 0
	for _, w := range s.Workers {
		if w.Big {
			n++
		}
	}
	return n
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DispatchService[%s] started=%s\n", s.Platform, s.StartedAt.Format(time.RFC3339))
	for _, w := range s.Workers {
		fmt.Fprintf(&b, "  worker %s %s", w.ID, w.Status)
		if w.MessageID != "" {
			fmt.Fprintf(&b, " message=%s", w.MessageID)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "  queue %d/%d\n", s.QueueLength, s.QueueCapacity)
	fmt.Fprintf(&b, "  maintenance %s processed=%d deleted=%d\n", s.MaintenanceStatus, s.Processed, s.Deleted)
	writeBacklog(&b, "pending registrations", s.Pending)
	writeBacklog(&b, "invalid registrations", s.Invalid)
	return b.String()
}

func writeBacklog(b *strings.Builder, name string, bs BacklogStats) {
	fmt.Fprintf(b, "  %s (%d)\n", name, bs.Size)
	for _, item := range bs.Items {
		fmt.Fprintf(b, "    %s\n", item)
	}
	if bs.More != "" {
		fmt.Fprintf(b, "    %s\n", bs.More)
	}
}

// Stats snapshots the service for diagnostics.
func (s *Service[R, C]) Stats() Stats {
	pending := s.pending.Peek(statsListLimit)
	pendingItems := make([]string, len(pending))
	for i, reg := range pending {
		rec := reg.Record()
		pendingItems[i] = fmt.Sprintf("%s device=%s token=%s", rec.Tenant.Key(), rec.DeviceID, reg.Token())
	}

	var startedAt time.Time
	if ns := s.startedAt.Load(); ns != 0 {
		startedAt = time.Unix(0, ns)
	}

	return Stats{
		Platform:          s.cfg.Platform,
		StartedAt:         startedAt,
		Workers:           s.registry.Snapshot(),
		QueueLength:       s.queue.Len(),
		QueueCapacity:     s.queue.Cap(),
		MaintenanceStatus: s.maintenance.Status(),
		Pending:           newBacklogStats(s.pending.Len(), pendingItems),
		Processed:         s.maintenance.Processed(),
		Invalid:           newBacklogStats(s.invalid.Len(), s.invalid.Peek(statsListLimit)),
		Deleted:           s.maintenance.Deleted(),
	}
}
