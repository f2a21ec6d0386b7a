package application

import (
	"log/slog"
	"time"

	"ss-relay/internal/domain"
)

// LogObserver writes relay notifications to a structured logger.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

func (o *LogObserver) OnHandshake(client domain.Endpoint, target string) {
	o.log.Info("TCP relay", "client", client, "target", target)
}

func (o *LogObserver) OnUDPSession(client domain.Endpoint, target string) {
	o.log.Info("UDP session", "client", client, "target", target)
}

func (o *LogObserver) OnFirstTraffic(client domain.Endpoint, latency time.Duration) {
	o.log.Debug("First traffic from target", "client", client, "latency", latency)
}

func (o *LogObserver) OnError(endpoint domain.Endpoint, err error) {
	o.log.Warn("Relay error", "endpoint", endpoint, "status", ErrorStatus(err), "error", err)
}

func (o *LogObserver) OnClosed(client domain.Endpoint) {
	o.log.Debug("Session closed", "client", client)
}
