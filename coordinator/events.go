package main

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// eventPublisher mirrors state transitions onto NATS subjects so
// external consumers (dashboards, alerting, long-term metric storage)
// can follow along. A nil publisher drops everything, which keeps the
// event plumbing optional.
type eventPublisher struct {
	log *zap.Logger
	nc  *nats.Conn
}

func newEventPublisher(log *zap.Logger, url string) (*eventPublisher, error) {
	if url == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name("ensemble-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second * 2),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &eventPublisher{log: log, nc: nc}, nil
}

// Publish is fire and forget: losing an event never fails the state
// change that produced it.
func (p *eventPublisher) Publish(subject string, payload any) {
	if p == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *eventPublisher) Close() {
	if p == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}
