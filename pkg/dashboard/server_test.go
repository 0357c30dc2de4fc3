package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walink/walinkd/pkg/lifecycle"
	"github.com/walink/walinkd/pkg/session"
	"github.com/walink/walinkd/pkg/supervisor"
)

type fakeLifecycle struct {
	status    lifecycle.Status
	attemptID string
	genErr    error
	linkErr   error
	cancelErr error

	linkedPhone string
}

func (f *fakeLifecycle) RequestGeneration(ctx context.Context) (string, error) {
	if f.genErr != nil {
		return "", f.genErr
	}
	return f.attemptID, nil
}

func (f *fakeLifecycle) RequestPhoneLink(ctx context.Context, phone string) (string, error) {
	if f.linkErr != nil {
		return "", f.linkErr
	}
	f.linkedPhone = phone
	return f.attemptID, nil
}

func (f *fakeLifecycle) CancelGeneration() error { return f.cancelErr }

func (f *fakeLifecycle) CurrentStatus() lifecycle.Status { return f.status }

type fakeSupervisor struct {
	status     supervisor.Status
	startErr   error
	restartErr error
	stopCalls  int
}

func (f *fakeSupervisor) Start(ctx context.Context) error { return f.startErr }

func (f *fakeSupervisor) Stop(ctx context.Context) error {
	f.stopCalls++
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context) error { return f.restartErr }

func (f *fakeSupervisor) Status() supervisor.Status { return f.status }

type memStore struct {
	mu       sync.Mutex
	artifact *session.Artifact
}

func (s *memStore) Save(a *session.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *a
	saved.Valid = false
	s.artifact = &saved
	return nil
}

func (s *memStore) Load() (*session.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return nil, nil
	}
	a := *s.artifact
	return &a, nil
}

func (s *memStore) MarkValid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return fmt.Errorf("no session artifact stored")
	}
	s.artifact.Valid = true
	return nil
}

func (s *memStore) MarkInvalid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return fmt.Errorf("no session artifact stored")
	}
	s.artifact.Valid = false
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = nil
	return nil
}

const testSecret = "test-secret"

func newTestServer(t *testing.T, manager *fakeLifecycle, sup *fakeSupervisor, store session.Store) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	if manager == nil {
		manager = &fakeLifecycle{}
	}
	if sup == nil {
		sup = &fakeSupervisor{}
	}
	if store == nil {
		store = &memStore{}
	}
	cred := testCredential(t, "+15551234567", "hunter2")
	return NewServer(cred, testSecret, manager, sup, store, logrus.NewEntry(log))
}

func authCookie() *http.Cookie {
	return &http.Cookie{
		Name:  sessionCookieName,
		Value: signSession([]byte(testSecret), "+15551234567", time.Now().Add(time.Hour)),
	}
}

func doRequest(s *Server, method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, nil, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/login", map[string]string{
		"phone": "+15551234567", "password": "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	phone, err := verifySession([]byte(testSecret), cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", phone)
}

func TestLogin_Rejected(t *testing.T) {
	s := newTestServer(t, nil, nil, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "wrong password", body: map[string]string{"phone": "+15551234567", "password": "nope"}},
		{name: "wrong phone", body: map[string]string{"phone": "+15550000000", "password": "hunter2"}},
		{name: "empty body", body: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/api/login", tt.body, nil)
			assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestAuthed_RequiresCookie(t *testing.T) {
	s := newTestServer(t, nil, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := &http.Cookie{Name: sessionCookieName, Value: "tampered.cookie"}
	rec = doRequest(s, http.MethodGet, "/api/status", nil, bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	manager := &fakeLifecycle{status: lifecycle.Status{
		State:     lifecycle.StateAwaitingScan,
		AttemptID: "attempt-1",
		QRText:    "qr-payload",
	}}
	sup := &fakeSupervisor{status: supervisor.Status{Health: supervisor.HealthRunning, PID: 4242}}
	store := &memStore{}

	artifact, err := session.Encode(&session.State{
		LocalStorage: map[string]string{"WAToken1": "abc"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(artifact))
	require.NoError(t, store.MarkValid())

	s := newTestServer(t, manager, sup, store)
	rec := doRequest(s, http.MethodGet, "/api/status", nil, authCookie())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload struct {
		Generation struct {
			State  string `json:"state"`
			QRText string `json:"qr_text"`
		} `json:"generation"`
		Bot struct {
			Health string `json:"health"`
			PID    int    `json:"pid"`
		} `json:"bot"`
		Session struct {
			Present bool `json:"present"`
			Valid   bool `json:"valid"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))

	assert.Equal(t, "AWAITING_SCAN", payload.Generation.State)
	assert.Equal(t, "qr-payload", payload.Generation.QRText)
	assert.Equal(t, "RUNNING", payload.Bot.Health)
	assert.Equal(t, 4242, payload.Bot.PID)
	assert.True(t, payload.Session.Present)
	assert.True(t, payload.Session.Valid)
}

func TestGenerate(t *testing.T) {
	manager := &fakeLifecycle{attemptID: "attempt-1"}
	s := newTestServer(t, manager, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/session/generate", nil, authCookie())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "attempt-1", payload["attempt_id"])
}

func TestGenerate_Conflict(t *testing.T) {
	manager := &fakeLifecycle{genErr: lifecycle.ErrAlreadyInProgress}
	s := newTestServer(t, manager, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/session/generate", nil, authCookie())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLink(t *testing.T) {
	manager := &fakeLifecycle{attemptID: "attempt-2"}
	s := newTestServer(t, manager, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/session/link",
		map[string]string{"phone": "+15557654321"}, authCookie())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "+15557654321", manager.linkedPhone)

	rec = doRequest(s, http.MethodPost, "/api/session/link",
		map[string]string{}, authCookie())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQR_ServesCapturedImage(t *testing.T) {
	image := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}
	manager := &fakeLifecycle{status: lifecycle.Status{
		State:   lifecycle.StateAwaitingScan,
		QRImage: image,
	}}
	s := newTestServer(t, manager, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/qr", nil, authCookie())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, image, rec.Body.Bytes())
}

func TestQR_RendersFromText(t *testing.T) {
	manager := &fakeLifecycle{status: lifecycle.Status{
		State:  lifecycle.StateAwaitingScan,
		QRText: "2@abcdefghijklmnop",
	}}
	s := newTestServer(t, manager, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/qr", nil, authCookie())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	// PNG magic bytes.
	require.Greater(t, rec.Body.Len(), 8)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, rec.Body.Bytes()[:4])
}

func TestQR_NoneAvailable(t *testing.T) {
	s := newTestServer(t, &fakeLifecycle{status: lifecycle.Status{State: lifecycle.StateIdle}}, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/qr", nil, authCookie())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImport(t *testing.T) {
	store := &memStore{}
	s := newTestServer(t, nil, nil, store)

	artifact, err := session.Encode(&session.State{
		LocalStorage: map[string]string{"WAToken1": "abc"},
	})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/api/session/import",
		map[string]string{"payload": artifact.Payload}, authCookie())
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, artifact.Payload, stored.Payload)
	assert.False(t, stored.Valid, "imported artifacts start pending")
}

func TestImport_Rejected(t *testing.T) {
	s := newTestServer(t, nil, nil, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "missing payload", payload: ""},
		{name: "not base64", payload: "!!definitely not base64!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/api/session/import",
				map[string]string{"payload": tt.payload}, authCookie())
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestValidate_NoArtifact(t *testing.T) {
	s := newTestServer(t, nil, nil, &memStore{})

	rec := doRequest(s, http.MethodPost, "/api/session/validate", nil, authCookie())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClearSession_StopsBot(t *testing.T) {
	store := &memStore{}
	artifact, err := session.Encode(&session.State{
		LocalStorage: map[string]string{"WAToken1": "abc"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(artifact))

	sup := &fakeSupervisor{}
	s := newTestServer(t, nil, sup, store)

	rec := doRequest(s, http.MethodDelete, "/api/session", nil, authCookie())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sup.stopCalls, "clearing the session must stop the bot first")

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestBotActions(t *testing.T) {
	tests := []struct {
		name     string
		sup      *fakeSupervisor
		path     string
		wantCode int
	}{
		{name: "start ok", sup: &fakeSupervisor{}, path: "/api/bot/start", wantCode: http.StatusOK},
		{name: "start without session", sup: &fakeSupervisor{startErr: supervisor.ErrNoValidSession}, path: "/api/bot/start", wantCode: http.StatusConflict},
		{name: "start while running", sup: &fakeSupervisor{startErr: supervisor.ErrAlreadyRunning}, path: "/api/bot/start", wantCode: http.StatusConflict},
		{name: "restart ok", sup: &fakeSupervisor{}, path: "/api/bot/restart", wantCode: http.StatusOK},
		{name: "restart invalid session", sup: &fakeSupervisor{restartErr: supervisor.ErrSessionInvalid}, path: "/api/bot/restart", wantCode: http.StatusConflict},
		{name: "restart degraded", sup: &fakeSupervisor{restartErr: supervisor.ErrDegraded}, path: "/api/bot/restart", wantCode: http.StatusServiceUnavailable},
		{name: "stop ok", sup: &fakeSupervisor{}, path: "/api/bot/stop", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, tt.sup, nil)
			rec := doRequest(s, http.MethodPost, tt.path, nil, authCookie())
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
