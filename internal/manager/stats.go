package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	ID        string                           `json:"id"`
	Now       time.Time                        `json:"now"`
	StartedAt time.Time                        `json:"started"`
	Uptime    string                           `json:"uptime"`
	Services  []dispatch.Stats                 `json:"services"`
	Messages  map[push.Platform]map[string]int `json:"messages"`
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MessageManager %s now=%s started=%s uptime=%s\n",
		s.ID, s.Now.Format(time.RFC3339), s.StartedAt.Format(time.RFC3339), s.Uptime)
	for _, svc := range s.Services {
		b.WriteString(svc.String())
	}
	for _, svc := range s.Services {
		counts := s.Messages[svc.Platform]
		fmt.Fprintf(&b, "messages[%s]", svc.Platform)
		for _, status := range statusOrder {
			fmt.Fprintf(&b, " %s=%d", status, counts[status.String()])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

var statusOrder = []push.Status{
	push.StatusQueued,
	push.StatusProcessing,
	push.StatusDelivered,
	push.StatusFailed,
}

// Stats gathers every service's stats plus per-platform message counts.
func (m *Manager) Stats() Stats {
	now := time.Now()
	stats := Stats{
		ID:       m.id,
		Now:      now,
		Messages: make(map[push.Platform]map[string]int, len(m.services)),
	}
	if started := m.startedAt.Load(); started != 0 {
		stats.StartedAt = time.Unix(0, started)
		stats.Uptime = now.Sub(stats.StartedAt).Round(time.Second).String()
	}
	for _, p := range m.platforms() {
		stats.Services = append(stats.Services, m.services[p].Stats())
		stats.Messages[p] = make(map[string]int)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages {
		if counts, ok := stats.Messages[msg.Platform]; ok {
			counts[msg.Status().String()]++
		}
	}
	return stats
}
