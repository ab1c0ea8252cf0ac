package proxy

import (
	"log/slog"
	"time"

	"github.com/die-net/relayproxy/internal/conn"
	"github.com/die-net/relayproxy/internal/dialer"
	"github.com/die-net/relayproxy/internal/metrics"
)

const (
	DefaultReadBufferSize = 32 << 10
	DefaultPollInterval   = time.Second
)

type Config struct {
	NegotiationTimeout time.Duration

	// WriteTimeout bounds each write to a leg; LingerTimeout bounds the read
	// side of a leg after its write side has been shut down.
	WriteTimeout  time.Duration
	LingerTimeout time.Duration

	SendUnitSize   int
	ReadBufferSize int
	PollInterval   time.Duration

	Dialer  dialer.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.SendUnitSize <= 0 {
		c.SendUnitSize = conn.DefaultUnitSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	return c
}
