package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/EthanQC/statussync/internal/adapters/out/memory"
	"github.com/EthanQC/statussync/internal/application"
	"github.com/EthanQC/statussync/internal/domain/entity"
	apperr "github.com/EthanQC/statussync/pkg/errors"
	"github.com/EthanQC/statussync/pkg/zlog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startEngine(t *testing.T) (*application.Engine, *memory.Hub) {
	t.Helper()

	hub := memory.NewHub(nil)
	e := application.NewEngine(
		application.Deps{Store: hub, Feed: hub, Presence: hub},
		application.DefaultEngineConfig(),
		application.WithLogger(zap.NewNop()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}
	return e, hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_StatusFlow(t *testing.T) {
	e, hub := startEngine(t)
	hub.PutRecord(&entity.UserStatusRecord{UserID: "peer", PassiveStatus: entity.PassiveOnline})

	h := NewServer(e, gin.New(), zap.NewNop(), WithWriteTimeout(time.Second)).Handler()

	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/v1/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, h, http.MethodPut, "/v1/me/status", `{"status":"busy"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.NoError(t, e.SignIn(context.Background(), "me"))

	w = do(t, h, http.MethodPut, "/v1/me/status", `{"status":"busy"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view entity.UserView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "me", view.UserID)
	assert.Equal(t, entity.StatusBusy, view.Status)

	w = do(t, h, http.MethodPut, "/v1/me/status", `{"status":"away"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPut, "/v1/me/status", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/v1/status/peer", "")
		var v entity.UserView
		return json.Unmarshal(w.Body.Bytes(), &v) == nil && v.Status == entity.StatusOnline && v.Known
	}, 5*time.Second, 5*time.Millisecond)

	w = do(t, h, http.MethodGet, "/v1/status/nobody", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, entity.StatusOffline, view.Status)
	assert.False(t, view.Known)

	w = do(t, h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Users []entity.UserView `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Users, 2)
	assert.Equal(t, "me", list.Users[0].UserID)
	assert.Equal(t, "peer", list.Users[1].UserID)
}

func TestServer_PresenceAndActivity(t *testing.T) {
	e, _ := startEngine(t)
	h := NewServer(e, gin.New(), zap.NewNop()).Handler()

	require.NoError(t, e.SignIn(context.Background(), "me"))
	require.Eventually(t, func() bool { return e.IsUserConnected("me") }, 5*time.Second, 5*time.Millisecond)

	w := do(t, h, http.MethodGet, "/v1/presence", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"members":["me"]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/presence/me", "")
	assert.JSONEq(t, `{"user_id":"me","connected":true}`, w.Body.String())
	w = do(t, h, http.MethodGet, "/v1/presence/other", "")
	assert.JSONEq(t, `{"user_id":"other","connected":false}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/v1/activity", `{"kind":"keyPress"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(t, h, http.MethodPost, "/v1/activity", `{"kind":"wave"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Session(t *testing.T) {
	e, _ := startEngine(t)
	h := NewServer(e, gin.New(), zap.NewNop(), WithSession(e)).Handler()

	w := do(t, h, http.MethodPost, "/v1/session", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/session", `{"user_id":"me"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	userID, ok := e.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "me", userID)

	w = do(t, h, http.MethodGet, "/v1/me", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodDelete, "/v1/session", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok = e.CurrentUser()
	assert.False(t, ok)

	// 未开启时没有这个路由
	h = NewServer(e, gin.New(), zap.NewNop()).Handler()
	w = do(t, h, http.MethodPost, "/v1/session", `{"user_id":"me"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type failingSession struct{ err error }

func (f failingSession) SignIn(context.Context, string) error { return f.err }
func (failingSession) SignOut()                               {}

func TestServer_ErrorLogCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	e, _ := startEngine(t)
	router := gin.New()
	router.Use(zlog.GinLogger())
	h := NewServer(e, router, zap.NewNop(), WithSession(failingSession{err: errors.New("auth backend down")})).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/session", strings.NewReader(`{"user_id":"me"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))

	failed := logs.FilterMessage("sign in failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, "req-42", failed[0].ContextMap()["request_id"])
	assert.Equal(t, "me", failed[0].ContextMap()["userID"])

	access := logs.FilterMessage("access").All()
	require.Len(t, access, 1)
	assert.Equal(t, "req-42", access[0].ContextMap()["request_id"])
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: %q", apperr.ErrInvalidStatus, "x"), http.StatusBadRequest},
		{apperr.ErrMutationInFlight, http.StatusConflict},
		{fmt.Errorf("%w: %w", apperr.ErrStatusWriteFailed, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: boom", apperr.ErrStatusWriteFailed), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.err), tt.err.Error())
	}
}
