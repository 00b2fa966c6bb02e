package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerdesk/backend/internal/config"
	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/health"
	"brokerdesk/backend/internal/mailbox/mailboxtest"
	"brokerdesk/backend/internal/monitoring"
	"brokerdesk/backend/internal/outbound"
	"brokerdesk/backend/internal/scan"
	"brokerdesk/backend/internal/service"
	"brokerdesk/backend/internal/storage/filesystem"
	"brokerdesk/backend/internal/storage/memory"
	"brokerdesk/backend/internal/websocket"
)

type fixedMode string

func (m fixedMode) Mode() string { return string(m) }

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	dialer *mailboxtest.Dialer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	dialer := mailboxtest.NewDialer()
	files, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	registry := scan.NewRegistry(2, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	scans := service.NewScanService(config.ScanConfig{
		MaxConcurrentJobs: 2,
		MaxAccountsPerJob: 2,
		CheckpointEvery:   10,
		DefaultFolders:    []string{"INBOX"},
	}, store, registry, scan.Deps{
		Jobs:        store,
		Ledger:      store,
		Attachments: store,
		Accounts:    store,
		Files:       files,
		Dialer:      dialer,
	})

	cfg := &config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}}
	router := NewRouter(RouterDependencies{
		Config:          cfg,
		ScanService:     scans,
		OutboundService: service.NewOutboundService(store, fixedMode(outbound.ModeManual), nil),
		WebSocketHub:    websocket.NewHub(nil, nil),
		Metrics:         monitoring.NewMetrics(),
		Health:          health.NewHealthChecker(store, nil),
	})

	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, &domain.MailAccount{
		ID: "acc-1", OwnerID: "broker", Address: "broker@example.com", Active: true,
	}))
	require.NoError(t, store.SaveAccount(ctx, &domain.MailAccount{
		ID: "acc-off", OwnerID: "broker", Address: "off@example.com", Active: false,
	}))
	require.NoError(t, store.SaveContact(ctx, &domain.Contact{
		ID: "c-1", OwnerID: "broker", FirstName: "Ana", Phone: "+54 11 5555-0000",
	}))
	dialer.AddFolder("broker@example.com", "INBOX")

	return &testServer{router: router, store: store, dialer: dialer}
}

func (s *testServer) do(method, path, owner string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestRouter_RequiresOwner(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/api/scans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_ScanLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/scans", "broker", map[string]any{"accountIds": []string{"acc-1"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job domain.ScanJob
	decodeData(t, w, &job)
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		w := s.do(http.MethodGet, "/api/scans/"+job.ID, "broker", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var st service.JobStatus
		decodeData(t, w, &st)
		return st.Job.Status == domain.ScanStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	w = s.do(http.MethodPost, "/api/scans/"+job.ID+"/pause", "broker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ctrl controlResponse
	decodeData(t, w, &ctrl)
	assert.False(t, ctrl.Applied)

	w = s.do(http.MethodGet, "/api/scans/"+job.ID, "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/scans?limit=5", "broker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []domain.ScanJob
	decodeData(t, w, &jobs)
	assert.Len(t, jobs, 1)

	w = s.do(http.MethodGet, "/api/accounts/acc-1/watermarks", "broker", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_StartScanErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"no accounts", map[string]any{"accountIds": []string{}}, http.StatusBadRequest},
		{"unknown account", map[string]any{"accountIds": []string{"nope"}}, http.StatusNotFound},
		{"inactive account", map[string]any{"accountIds": []string{"acc-off"}}, http.StatusUnprocessableEntity},
		{"bad range", map[string]any{
			"accountIds": []string{"acc-1"},
			"since":      "2026-03-01T00:00:00Z",
			"before":     "2026-02-01T00:00:00Z",
		}, http.StatusBadRequest},
		{"malformed", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/scans", "broker", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRouter_TestAccount(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/accounts/acc-1/test", "broker", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.dialer.FailDial("broker@example.com", errors.New("authentication failed"))
	w = s.do(http.MethodPost, "/api/accounts/acc-1/test", "broker", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = s.do(http.MethodPost, "/api/accounts/acc-1/test", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Outbound(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/outbound", "broker", map[string]any{
		"contactId": "c-1",
		"template":  "Hola {first_name}",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res service.EnqueueResult
	decodeData(t, w, &res)
	assert.Equal(t, "https://wa.me/541155550000?text=Hola%20Ana", res.ManualLink)

	w = s.do(http.MethodGet, "/api/outbound/"+res.Message.ID, "broker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msg domain.OutboundMessage
	decodeData(t, w, &msg)
	assert.Equal(t, domain.OutboundStatusPending, msg.Status)

	w = s.do(http.MethodPost, "/api/outbound", "broker", map[string]any{"contactId": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/outbound", "broker", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_OpsEndpoints(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/ready", "", nil).Code)

	w := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "brokerdesk_http_requests_total")

	w = s.do(http.MethodGet, "/ws/scans/unknown?owner=broker", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrScanInProgress))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(scan.ErrTooManyJobs))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(outbound.ErrInvalidPhone))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
