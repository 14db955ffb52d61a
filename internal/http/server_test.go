package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/admin"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/auth"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/authorizer"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/config"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/cooldown"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/credentials"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/crypto"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/lockout"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/login"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/metrics"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/presence"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/registry"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository/memory"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/switchrequest"
)

const (
	testSecret = "test-secret"
	testIssuer = "test-issuer"
	password   = "s3cret"
)

type clock struct {
	mu sync.Mutex
	at time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

type testApp struct {
	url   string
	clock *clock
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := config.Config{
		JWTSecret:      testSecret,
		JWTIssuer:      testIssuer,
		AccessTokenTTL: time.Hour,
	}
	store := memory.New()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	store.AddStudent(model.Student{ID: "student-1", Code: "CS2021001", Email: "asha@college.edu", PasswordHash: hash, Active: true})

	c := &clock{at: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := metrics.New(prometheus.NewRegistry())
	rec := audit.NewRecorder(store, nil, m).WithClock(c.Now)
	reg := registry.New()
	requests := switchrequest.New()
	authz := authorizer.New(cooldown.New(48*time.Hour), reg, requests, m.Activation)
	verifier, err := credentials.NewVerifier(store)
	require.NoError(t, err)

	orch := login.NewOrchestrator(login.Deps{
		Store:       store,
		Credentials: verifier,
		Presence:    presence.FailClosed(presence.NewCampusGate(presence.CampusConfig{SSIDs: []string{"Campus-Main"}}), time.Second, nil),
		Limiter:     lockout.NewMemoryLimiter(lockout.Policy{MaxFailures: 5, Window: time.Hour, Lockout: time.Hour}, c.Now),
		Tokens:      auth.Issuer{Secret: testSecret, Issuer: testIssuer, TTL: time.Hour},
		Registry:    reg,
		Requests:    requests,
		Authorizer:  authz,
		Audit:       rec,
		Metrics:     m,
		Now:         c.Now,
	})
	svc := admin.NewService(admin.Deps{
		Store:      store,
		Registry:   reg,
		Requests:   requests,
		Authorizer: authz,
		Audit:      rec,
		Metrics:    m,
		Now:        c.Now,
	})

	srv := httptest.NewServer(NewServer(cfg, orch, svc, nil).Router())
	t.Cleanup(srv.Close)
	return &testApp{url: srv.URL, clock: c}
}

func loginBody(deviceID string) map[string]any {
	return map[string]any{
		"studentEmail": "asha@college.edu",
		"password":     password,
		"deviceInfo":   map[string]any{"deviceId": deviceID, "deviceName": "Pixel 8", "osVersion": "14"},
		"wifiInfo":     map[string]any{"ssid": "Campus-Main", "bssid": "aa:bb:cc"},
	}
}

func mustToken(t *testing.T, userID, userType string) string {
	t.Helper()
	token, err := auth.NewAccessToken(testSecret, testIssuer, 10*time.Minute, auth.Claims{
		UserID:   userID,
		UserType: userType,
	})
	require.NoError(t, err)
	return token
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[map[string]string](t, resp)["error"]
}

func TestStudentSwitchFlowOverHTTP(t *testing.T) {
	app := newTestApp(t)
	adminToken := mustToken(t, "admin-1", auth.UserTypeAdmin)

	resp := doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[loginResponse](t, resp)
	assert.Equal(t, "active", first.DeviceStatus)
	assert.True(t, first.CanMarkAttendance)
	assert.Nil(t, first.DeviceSwitchInfo)
	assert.Equal(t, "CS2021001", first.Student.Code)

	app.clock.Advance(time.Hour)
	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[loginResponse](t, resp)
	assert.Equal(t, "pending_activation", second.DeviceStatus)
	assert.False(t, second.CanMarkAttendance)
	require.NotNil(t, second.DeviceSwitchInfo)
	assert.Equal(t, "2024-03-03T10:00:00Z", second.DeviceSwitchInfo.ActivationDate)
	requestID := second.DeviceSwitchInfo.RequestID

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests?status=pending", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[struct {
		Requests []switchRequestResponse `json:"requests"`
	}](t, resp)
	require.Len(t, listed.Requests, 1)
	assert.Equal(t, requestID, listed.Requests[0].ID)
	require.NotNil(t, listed.Requests[0].OldDeviceID)
	assert.Equal(t, "D1", *listed.Requests[0].OldDeviceID)

	resp = doReq(t, http.MethodPost, app.url+"/switch-requests/"+requestID+"/approve", adminToken, map[string]string{"notes": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", decode[switchRequestResponse](t, resp).Status)

	// Approved but still cooling down.
	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending_activation", decode[loginResponse](t, resp).DeviceStatus)

	app.clock.Advance(49 * time.Hour)
	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decode[loginResponse](t, resp)
	assert.Equal(t, "active", final.DeviceStatus)
	assert.True(t, final.CanMarkAttendance)

	claims, err := auth.ParseToken(testSecret, testIssuer, final.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.CanMarkAttendance)
	assert.Equal(t, "D2", claims.DeviceID)

	resp = doReq(t, http.MethodGet, app.url+"/students/CS2021001/devices", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := decode[struct {
		Devices []deviceResponse `json:"devices"`
	}](t, resp)
	active := map[string]bool{}
	for _, device := range devices.Devices {
		active[device.DeviceID] = device.Active
	}
	assert.Equal(t, map[string]bool{"D1": false, "D2": true}, active)

	resp = doReq(t, http.MethodGet, app.url+"/students/me/device-status", final.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", decode[deviceStatusResponse](t, resp).DeviceStatus)

	resp = doReq(t, http.MethodGet, app.url+"/students/me/activity?limit=5", final.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	activity := decode[struct {
		Activities []activityResponse `json:"activities"`
	}](t, resp)
	assert.Len(t, activity.Activities, 5)
}

func TestEmergencyActivateOverHTTP(t *testing.T) {
	app := newTestApp(t)
	adminToken := mustToken(t, "admin-1", auth.UserTypeAdmin)
	doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D1"))
	doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D2"))

	url := app.url + "/students/CS2021001/devices/D2/emergency-activate"
	resp := doReq(t, http.MethodPost, url, adminToken, map[string]string{"adminNotes": "no reason"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperr.ErrValidation, errorCode(t, resp))

	resp = doReq(t, http.MethodPost, url, adminToken, map[string]string{"reason": "phone broken", "adminNotes": "seen in office"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Request switchRequestResponse `json:"request"`
		Device  deviceResponse        `json:"device"`
	}](t, resp)
	assert.True(t, body.Device.Active)
	assert.Equal(t, true, body.Request.AdditionalInfo["bypassed_cooldown"])
	assert.NotNil(t, body.Request.CompletedAt)

	resp = doReq(t, http.MethodPost, url, adminToken, map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[loginResponse](t, resp).CanMarkAttendance)
}

func TestRejectAndDeactivateOverHTTP(t *testing.T) {
	app := newTestApp(t)
	adminToken := mustToken(t, "admin-1", auth.UserTypeDev)
	doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D1"))
	resp := doReq(t, http.MethodPost, app.url+"/auth/student/login", "", loginBody("D2"))
	requestID := decode[loginResponse](t, resp).DeviceSwitchInfo.RequestID

	resp = doReq(t, http.MethodPost, app.url+"/switch-requests/"+requestID+"/reject", adminToken, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodPost, app.url+"/switch-requests/"+requestID+"/reject", adminToken, map[string]string{"reason": "shared device"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rejected := decode[switchRequestResponse](t, resp)
	assert.Equal(t, "rejected", rejected.Status)

	resp = doReq(t, http.MethodPost, app.url+"/switch-requests/"+requestID+"/approve", adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperr.ErrIllegalStateTransition, errorCode(t, resp))

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests/"+requestID, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "shared device", *decode[switchRequestResponse](t, resp).RejectionReason)

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests/missing", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doReq(t, http.MethodPost, app.url+"/students/CS2021001/devices/D1/deactivate", adminToken, map[string]string{"reason": "lost"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.url+"/students/CS2021001/activity", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginErrorsOverHTTP(t *testing.T) {
	app := newTestApp(t)

	body := loginBody("")
	resp := doReq(t, http.MethodPost, app.url+"/auth/student/login", "", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperr.ErrValidation, errorCode(t, resp))

	body = loginBody("D1")
	body["password"] = "wrong"
	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperr.ErrInvalidCredentials, errorCode(t, resp))

	body = loginBody("D1")
	body["wifiInfo"] = map[string]any{"ssid": "Cafe"}
	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, apperr.ErrPresenceRequired, errorCode(t, resp))

	body = loginBody("D1")
	body["unexpected"] = true
	resp = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorization(t *testing.T) {
	app := newTestApp(t)
	studentToken := mustToken(t, "student-1", auth.UserTypeStudent)
	adminToken := mustToken(t, "admin-1", auth.UserTypeAdmin)

	resp := doReq(t, http.MethodGet, app.url+"/switch-requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", errorCode(t, resp))

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests", studentToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.url+"/students/me/activity", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests?status=bogus", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.url+"/switch-requests?limit=-1", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.url+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		apperr.ErrValidation:             http.StatusBadRequest,
		apperr.ErrInvalidCredentials:     http.StatusUnauthorized,
		apperr.ErrPresenceRequired:       http.StatusForbidden,
		apperr.ErrNotFound:               http.StatusNotFound,
		apperr.ErrIllegalStateTransition: http.StatusConflict,
		apperr.ErrDuplicateRequest:       http.StatusConflict,
		apperr.ErrDeviceConflict:         http.StatusConflict,
		apperr.ErrTooManyAttempts:        http.StatusTooManyRequests,
		apperr.ErrServerError:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func TestClientIP(t *testing.T) {
	direct := NewServer(config.Config{}, nil, nil, nil)
	proxied := NewServer(config.Config{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.1"}}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", direct.clientIP(req))

	// Forwarding headers only count when the peer is a trusted proxy.
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", direct.clientIP(req))
	assert.Equal(t, "203.0.113.9", proxied.clientIP(req))

	// A spoofed leftmost entry does not win over the hop the proxy saw.
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", proxied.clientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "203.0.113.5")
	assert.Equal(t, "192.0.2.1", direct.clientIP(req))
	assert.Equal(t, "203.0.113.5", proxied.clientIP(req))

	untrusted := httptest.NewRequest(http.MethodGet, "/", nil)
	untrusted.RemoteAddr = "203.0.113.77:4444"
	untrusted.Header.Set("X-Forwarded-For", "10.9.9.9")
	assert.Equal(t, "203.0.113.77", proxied.clientIP(untrusted))
}

