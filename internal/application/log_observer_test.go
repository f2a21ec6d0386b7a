package application

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ss-relay/internal/domain"
)

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	client := domain.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 5000}

	obs.OnHandshake(client, "example.com:443")
	obs.OnFirstTraffic(client, 15*time.Millisecond)
	obs.OnError(client, connectionError("ERR_CONNECT", "Failed to connect to target", errors.New("refused")))
	obs.OnClosed(client)

	out := buf.String()
	assert.Contains(t, out, "client=10.0.0.1:5000")
	assert.Contains(t, out, "target=example.com:443")
	assert.Contains(t, out, "latency=15ms")
	assert.Contains(t, out, "status=ERR_CONNECT")
	assert.Contains(t, out, "Session closed")
}

func TestErrorStatus(t *testing.T) {
	err := connectionError("ERR_CIPHER", "bad", nil)
	assert.Equal(t, "ERR_CIPHER", ErrorStatus(err))
	assert.Equal(t, "ERR_CIPHER", ErrorStatus(ensureConnectionError(err, "ERR_OTHER", "other")))
	assert.Equal(t, "ERR_OTHER", ErrorStatus(ensureConnectionError(errors.New("x"), "ERR_OTHER", "other")))
	assert.Empty(t, ErrorStatus(errors.New("plain")))
}
