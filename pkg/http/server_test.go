package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"relay-go/pkg/auth"
	"relay-go/pkg/backplane"
	"relay-go/pkg/config"
	"relay-go/pkg/gateway"
	"relay-go/pkg/logging"
	"relay-go/pkg/metrics"
)

func newTestServer() *Server {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         0,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Backplane: config.BackplaneConfig{ChannelPrefix: "relay"},
		Presence: config.PresenceConfig{
			TTL:             time.Minute,
			DisconnectGrace: 10 * time.Second,
			SweepInterval:   time.Second,
		},
		Typing: config.TypingConfig{TTL: 5 * time.Second, SweepInterval: time.Second},
		Rooms:  config.RoomsConfig{AllowedPrefixes: []string{"user"}},
		Gateway: config.GatewayConfig{
			SendBuffer:     16,
			MaxViolations:  3,
			CleanupTimeout: time.Second,
			PingInterval:   time.Minute,
			ReadDeadline:   time.Minute,
			WriteDeadline:  time.Second,
		},
		RateLimit: config.RateLimitConfig{Limit: 10, Window: time.Minute},
	}

	log := logging.NewNop()
	m := metrics.NewMetrics()
	resolver := auth.NewJWTResolver("secret", "relay")
	gw := gateway.NewGateway(cfg, resolver, gateway.StaticFollowers{},
		backplane.NewMemory(), m, log)
	return NewServer(cfg, gw, m, log)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_connections_active")
}

func TestWebsocketRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
