package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "remote.audit"

type NATSConfig struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
}

// NATSPublisher mirrors entries as JSON on <subject>.<kind>.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("remote-controller"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: cfg.Subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(subjectFor(p.subject, e), data)
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	return nil
}

func subjectFor(base string, e Entry) string {
	return base + "." + e.Kind.String()
}
