package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct{ err error }

func (f fakeStore) Health() error { return f.err }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeRunner bool

func (f fakeRunner) Running() bool { return bool(f) }

func status(h http.HandlerFunc) int {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Code
}

func TestHealthChecker_Ready(t *testing.T) {
	hc := NewHealthChecker(fakeStore{}, nil)
	hc.AddPinger("redis", fakePinger{})
	hc.AddRunner("outbound", fakeRunner(true))
	hc.AddWritableDir("attachments", t.TempDir())

	assert.Equal(t, http.StatusOK, status(hc.LiveHandler()))
	assert.Equal(t, http.StatusOK, status(hc.ReadyHandler()))

	results := hc.CheckHealth()
	assert.Equal(t, "OK", results["database"])
	assert.Equal(t, "OK", results["redis"])
	assert.Equal(t, "OK", results["attachments"])
}

func TestHealthChecker_NotReady(t *testing.T) {
	hc := NewHealthChecker(fakeStore{err: errors.New("connection refused")}, nil)
	hc.AddRunner("outbound", fakeRunner(false))
	hc.AddWritableDir("attachments", filepath.Join(t.TempDir(), "missing"))

	assert.Equal(t, http.StatusOK, status(hc.LiveHandler()), "dependencies do not affect liveness")
	assert.Equal(t, http.StatusServiceUnavailable, status(hc.ReadyHandler()))

	results := hc.CheckHealth()
	assert.Equal(t, "ERROR: connection refused", results["database"])
	assert.Equal(t, "ERROR: not running", results["outbound"])
	assert.Contains(t, results["attachments"], "ERROR")
}
