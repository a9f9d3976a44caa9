package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atvirokodosprendimai/tunelis/internal/logger"
)

const (
	// SubjectHostnameCreated announces a newly provisioned public endpoint.
	SubjectHostnameCreated = "tunelis.hostname.created"
	// SubjectHostnameDeleted announces a retired public endpoint.
	SubjectHostnameDeleted = "tunelis.hostname.deleted"
	// SubjectHealthTransition announces tunnel state changes.
	SubjectHealthTransition = "tunelis.health.transition"
)

// HostnameEvent is the payload for created/deleted announcements.
type HostnameEvent struct {
	FullHostname string    `json:"full_hostname"`
	OwnerProject string    `json:"owner_project"`
	TargetType   string    `json:"target_type"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthTransitionEvent is the payload for tunnel state changes.
type HealthTransitionEvent struct {
	From                string    `json:"from"`
	To                  string    `json:"to"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Timestamp           time.Time `json:"timestamp"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	return nats.Connect(natsURL)
}

// Bus publishes tunelis events so sibling services can react without
// polling. Publishing is fire-and-forget; a lost event is acceptable, the
// store remains the source of truth.
type Bus struct {
	nc  *nats.Conn
	log logger.Logger
}

// NewBus wraps a NATS connection. A nil connection yields a bus that
// drops everything, which keeps callers free of nil checks.
func NewBus(nc *nats.Conn, log logger.Logger) *Bus {
	return &Bus{nc: nc, log: log}
}

// HostnameCreated publishes a created announcement.
func (b *Bus) HostnameCreated(fullHostname, ownerProject, targetType string) {
	b.publish(SubjectHostnameCreated, HostnameEvent{
		FullHostname: fullHostname,
		OwnerProject: ownerProject,
		TargetType:   targetType,
		Timestamp:    time.Now().UTC(),
	})
}

// HostnameDeleted publishes a deleted announcement.
func (b *Bus) HostnameDeleted(fullHostname, ownerProject string) {
	b.publish(SubjectHostnameDeleted, HostnameEvent{
		FullHostname: fullHostname,
		OwnerProject: ownerProject,
		Timestamp:    time.Now().UTC(),
	})
}

// HealthTransition publishes a tunnel state change.
func (b *Bus) HealthTransition(from, to string, consecutiveFailures int) {
	b.publish(SubjectHealthTransition, HealthTransitionEvent{
		From:                from,
		To:                  to,
		ConsecutiveFailures: consecutiveFailures,
		Timestamp:           time.Now().UTC(),
	})
}

func (b *Bus) publish(subject string, payload interface{}) {
	if b == nil || b.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("could not marshal event payload", logger.String("subject", subject), logger.Error(err))
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Error("could not publish event", logger.String("subject", subject), logger.Error(err))
	}
}
