package main

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/config"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/crypto"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/gateway"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/metrics"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/notify"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

type staticAgents []wire.AgentSummary

func (s staticAgents) List() []wire.AgentSummary { return s }

func (s staticAgents) Get(id string) (wire.AgentSummary, error) {
	for _, a := range s {
		if a.ID == id {
			return a, nil
		}
	}
	return wire.AgentSummary{}, errors.New("not found")
}

func newTestRouter(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{SharedKey: "k", AllowedOrigins: []string{"*"}}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewBridge(reg)
	require.NoError(t, err)
	tokens, err := crypto.NewTokenManager(cfg.SharedKey, time.Hour)
	require.NoError(t, err)
	gw := gateway.NewServer(gateway.Config{SharedKey: cfg.SharedKey}, nil, gateway.NewHub(m), tokens, nil)

	ts := httptest.NewServer(newRouter(cfg, gw, staticAgents{{ID: "a1", Name: "Bot"}}, tokens, reg))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRouter(t *testing.T) {
	ts := newTestRouter(t)

	code, body := get(t, ts.URL+"/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "ok")

	code, body = get(t, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "taskdex_sessions")

	code, _ = get(t, ts.URL+"/v1/agents", "")
	require.Equal(t, http.StatusUnauthorized, code)

	code, body = get(t, ts.URL+"/v1/agents", "k")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"a1"`)
}

func TestBuildNotifier(t *testing.T) {
	n, err := buildNotifier(&config.Config{}, gateway.NewPushRegistry())
	require.NoError(t, err)
	require.IsType(t, notify.Nop{}, n)

	n, err = buildNotifier(&config.Config{
		Pushover: config.PushoverConfig{Token: "t", User: "u", Cooldown: time.Minute},
		ExpoPush: true,
	}, gateway.NewPushRegistry())
	require.NoError(t, err)
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	require.Len(t, multi, 2)
}

func TestContainsWildcard(t *testing.T) {
	require.True(t, containsWildcard([]string{"https://a", "*"}))
	require.False(t, containsWildcard([]string{"https://a"}))
	require.False(t, containsWildcard(nil))
}
