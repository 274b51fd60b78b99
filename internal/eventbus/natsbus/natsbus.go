// Package natsbus implements the event bus contract on NATS.
//
// Publish encodes an event and sends it on <prefix>.<kind>.<source>. Every
// bus subscribes to <prefix>.> once and republishes what it receives on an
// in-process bus, which serves the local subscriptions with their credit
// and ordering guarantees. Events published by a bus reach its own
// subscribers the same way.
package natsbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	defaults "github.com/xtxerr/obshub/config"
	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/logging"
)

// Config holds the NATS connection settings.
type Config struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// DefaultConfig returns a configuration for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "obshub",
		SubjectPrefix: defaults.DefaultNATSSubjectPrefix,
		ReconnectWait: defaults.DefaultNATSReconnectWait,
		MaxReconnects: defaults.DefaultNATSMaxReconnects,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()
	if c.URL == "" {
		v.AddMissing("bus.url")
	}
	if c.SubjectPrefix == "" {
		v.AddMissing("bus.subject_prefix")
	}
	if c.ReconnectWait < 0 {
		v.AddField("bus.reconnect_wait", "must not be negative")
	}
	return v.Err()
}

// Bus is an event bus backed by a NATS connection.
type Bus struct {
	cfg    Config
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *eventbus.Local
	logger *slog.Logger

	closeOnce sync.Once

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// Connect dials NATS and subscribes to the bus subjects.
func Connect(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:    cfg,
		local:  eventbus.NewLocal(),
		logger: logging.Component("natsbus"),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ClosedHandler(b.handleClosed),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", cfg.URL)
	}
	b.conn = conn

	sub, err := conn.Subscribe(cfg.SubjectPrefix+".>", b.handleMsg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "subscribe")
	}
	b.sub = sub

	b.logger.Info("connected", "url", conn.ConnectedUrl(), "prefix", cfg.SubjectPrefix)
	return b, nil
}

// Subscribe implements eventbus.Bus.
func (b *Bus) Subscribe(ctx context.Context, sel eventbus.Selector, h eventbus.Handler) (eventbus.Subscription, error) {
	return b.local.Subscribe(ctx, sel, h)
}

// Publish implements eventbus.Bus.
func (b *Bus) Publish(ctx context.Context, ev eventbus.Event) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "publish")
	}

	data, err := marshal(ev)
	if err != nil {
		return errors.Wrapf(err, "marshal %s event", ev.Kind())
	}

	if err := b.conn.Publish(subject(b.cfg.SubjectPrefix, ev), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return errors.Wrap(errors.ErrClosed, "publish")
		}
		return errors.Wrap(err, "publish")
	}
	b.sent.Add(1)
	return nil
}

// Close drains the NATS connection and closes local subscriptions.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if uerr := b.sub.Unsubscribe(); uerr != nil {
			b.logger.Warn("unsubscribe failed", "error", uerr)
		}
		if derr := b.conn.Drain(); derr != nil {
			b.conn.Close()
			err = errors.Wrap(derr, "drain")
		}
		if lerr := b.local.Close(); lerr != nil && err == nil {
			err = lerr
		}
	})
	return err
}

func (b *Bus) handleMsg(msg *nats.Msg) {
	b.received.Add(1)

	ev, err := unmarshal(msg.Data)
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
		return
	}

	if err := b.local.Publish(context.Background(), ev); err != nil {
		b.dropped.Add(1)
		b.logger.Debug("local delivery failed", "subject", msg.Subject, "error", err)
	}
}

func (b *Bus) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn("disconnected", "error", err)
	}
}

func (b *Bus) handleReconnect(conn *nats.Conn) {
	b.logger.Info("reconnected", "url", conn.ConnectedUrl())
}

func (b *Bus) handleClosed(*nats.Conn) {
	b.logger.Debug("connection closed")
}

// Stats holds transport counters.
type Stats struct {
	Sent     int64
	Received int64
	Dropped  int64
}

// Stats returns transport counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Sent:     b.sent.Load(),
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
	}
}
