package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/smtp"
)

// InstrumentedSender wraps a campaign.Sender and records per-attempt
// delivery metrics.
type InstrumentedSender struct {
	next    campaign.Sender
	metrics *Metrics
}

// NewInstrumentedSender wraps next with metric recording.
func NewInstrumentedSender(next campaign.Sender, m *Metrics) *InstrumentedSender {
	return &InstrumentedSender{next: next, metrics: m}
}

// Send delegates to the wrapped sender and records the outcome.
func (s *InstrumentedSender) Send(ctx context.Context, server *campaign.Server, rcpt campaign.Recipient, msg *campaign.Message) error {
	start := time.Now()
	err := s.next.Send(ctx, server, rcpt, msg)
	s.metrics.SendDurationSeconds.WithLabelValues(server.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.EmailsFailedTotal.WithLabelValues(server.Name, errorKind(err)).Inc()
		return err
	}
	s.metrics.EmailsSentTotal.WithLabelValues(server.Name).Inc()
	return nil
}

func errorKind(err error) string {
	var de *smtp.DeliveryError
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return "unknown"
}
