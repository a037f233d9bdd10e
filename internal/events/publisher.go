package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
)

const (
	SubjectReleaseActivated  = "fleet.release.activated"
	SubjectBaselineCommitted = "fleet.baseline.committed"
	SubjectRolloutFinished   = "fleet.rollout.finished"
	SubjectTenantQuarantined = "fleet.tenant.quarantined"
)

// Publisher emits fleet lifecycle events. Publishing is fire-and-forget:
// orchestration never fails because a subscriber is down.
type Publisher interface {
	ReleaseActivated(release string)
	BaselineCommitted(version int64, description string)
	RolloutFinished(report *core.RolloutReport)
	TenantQuarantined(domain, reason string)
}

type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("fleetpress"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

func (p *NATSPublisher) ReleaseActivated(release string) {
	p.publish(SubjectReleaseActivated, map[string]interface{}{
		"release": release,
		"at":      time.Now().UTC(),
	})
}

func (p *NATSPublisher) BaselineCommitted(version int64, description string) {
	p.publish(SubjectBaselineCommitted, map[string]interface{}{
		"version":     version,
		"description": description,
		"at":          time.Now().UTC(),
	})
}

func (p *NATSPublisher) RolloutFinished(report *core.RolloutReport) {
	p.publish(SubjectRolloutFinished, report)
}

func (p *NATSPublisher) TenantQuarantined(domain, reason string) {
	p.publish(SubjectTenantQuarantined, map[string]interface{}{
		"domain": domain,
		"reason": reason,
		"at":     time.Now().UTC(),
	})
}

func (p *NATSPublisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *NATSPublisher) Close() {
	p.conn.Drain()
}

// NopPublisher is used when no event bus is configured.
type NopPublisher struct{}

func (NopPublisher) ReleaseActivated(string)             {}
func (NopPublisher) BaselineCommitted(int64, string)     {}
func (NopPublisher) RolloutFinished(*core.RolloutReport) {}
func (NopPublisher) TenantQuarantined(string, string)    {}
