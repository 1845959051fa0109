package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"warden/util/goroutine"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures notification forwarding to NATS
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// subjectPublisher is the part of *nats.Conn the forwarder needs
type subjectPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSForwarder republishes every notification as JSON on "<prefix>.<type>"
type NATSForwarder struct {
	conn   *nats.Conn
	pub    subjectPublisher
	prefix string
	logger *zap.SugaredLogger
}

// NewNATSForwarder connects to NATS
func NewNATSForwarder(cfg NATSConfig, logger *zap.SugaredLogger) (*NATSForwarder, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Name == "" {
		cfg.Name = "warden"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	f := newForwarder(nc, cfg.SubjectPrefix, logger)
	f.conn = nc
	return f, nil
}

func newForwarder(pub subjectPublisher, prefix string, logger *zap.SugaredLogger) *NATSForwarder {
	if prefix == "" {
		prefix = "warden"
	}
	return &NATSForwarder{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject a notification type is published on
func (f *NATSForwarder) Subject(t Type) string {
	return f.prefix + "." + string(t)
}

// Forward publishes one notification
func (f *NATSForwarder) Forward(n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return f.pub.Publish(f.Subject(n.Type), data)
}

// Run forwards notifications from sub until it closes or ctx is cancelled
func (f *NATSForwarder) Run(ctx context.Context, sub *Subscription) {
	defer goroutine.Recover("nats-forwarder", f.logger)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if err := f.Forward(n); err != nil {
				f.logger.Warnw("Failed to forward notification to NATS", "type", n.Type, "error", err)
			}
		}
	}
}

// Close drains the NATS connection
func (f *NATSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}
