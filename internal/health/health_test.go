package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/memory"
)

type downStore struct {
	storage.Store
}

func (downStore) Health(context.Context) error { return errors.New("connection refused") }

func TestHealthChecker_Ready(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	hc := NewHealthChecker(store, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_StoreDown(t *testing.T) {
	hc := NewHealthChecker(downStore{}, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// 存储故障不影响存活检查
	rec = httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
