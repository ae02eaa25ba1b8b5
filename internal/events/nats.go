// Package events publishes workflow events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher implements workflow.Publisher. Publishing is fire-and-forget:
// the workflow has already committed when an event is sent.
type Publisher struct {
	nc natsConn
}

// Connect dials url with reconnects enabled.
func Connect(url string, log logrus.FieldLogger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("pms-portal"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Publisher{nc: nc}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(Envelope{
		ID:      uuid.NewString(),
		Subject: subject,
		At:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
