package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/admin"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/auth"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/config"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/login"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/presence"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
)

const maxBodyBytes = 64 << 10

type LoginFlow interface {
	Login(ctx context.Context, req login.Request) (login.Result, error)
	Status(ctx context.Context, studentID, deviceID string) (login.Result, error)
}

type AdminActions interface {
	ListRequests(ctx context.Context, filter repository.SwitchRequestFilter) ([]model.SwitchRequest, error)
	GetRequest(ctx context.Context, requestID string) (model.SwitchRequest, error)
	Approve(ctx context.Context, requestID, adminID, notes string) (model.SwitchRequest, error)
	Reject(ctx context.Context, requestID, adminID, reason string) (model.SwitchRequest, error)
	EmergencyActivate(ctx context.Context, req admin.EmergencyRequest) (model.SwitchRequest, model.Device, error)
	DeactivateDevice(ctx context.Context, studentCode, deviceID, adminID, reason string) error
	ListDevices(ctx context.Context, studentCode string) ([]model.Device, error)
	Activity(ctx context.Context, studentCode string, limit int) ([]model.ActivityLogEntry, error)
	StudentActivity(ctx context.Context, studentID string, limit int) ([]model.ActivityLogEntry, error)
}

type Server struct {
	cfg     config.Config
	login   LoginFlow
	admin   AdminActions
	log     *zap.Logger
	proxies []*net.IPNet
}

func NewServer(cfg config.Config, loginFlow LoginFlow, adminActions AdminActions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	proxies, err := config.ParseNetworks(cfg.TrustedProxies)
	if err != nil {
		log.Warn("ignoring invalid trusted proxies", zap.Error(err))
		proxies = nil
	}
	return &Server{cfg: cfg, login: loginFlow, admin: adminActions, log: log, proxies: proxies}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/student/login", s.handleStudentLogin)

	r.Route("/students/me", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireStudent)
		r.Get("/activity", s.handleMyActivity)
		r.Get("/device-status", s.handleMyDeviceStatus)
	})

	r.Route("/switch-requests", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireAdminOrDev)
		r.Get("/", s.handleListSwitchRequests)
		r.Get("/{requestId}", s.handleGetSwitchRequest)
		r.Post("/{requestId}/approve", s.handleApproveSwitchRequest)
		r.Post("/{requestId}/reject", s.handleRejectSwitchRequest)
	})

	r.Route("/students/{code}", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireAdminOrDev)
		r.Get("/devices", s.handleListDevices)
		r.Get("/activity", s.handleStudentActivity)
		r.Post("/devices/{deviceId}/emergency-activate", s.handleEmergencyActivate)
		r.Post("/devices/{deviceId}/deactivate", s.handleDeactivateDevice)
	})

	return r
}

type deviceInfo struct {
	DeviceID string `json:"deviceId"`
	model.DeviceMetadata
}

type wifiInfo struct {
	SSID  string `json:"ssid"`
	BSSID string `json:"bssid"`
}

type gpsInfo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

type studentLoginRequest struct {
	StudentEmail string     `json:"studentEmail"`
	Password     string     `json:"password"`
	DeviceInfo   deviceInfo `json:"deviceInfo"`
	WifiInfo     *wifiInfo  `json:"wifiInfo,omitempty"`
	GPSInfo      *gpsInfo   `json:"gpsInfo,omitempty"`
}

type studentSummary struct {
	ID       string `json:"id"`
	Code     string `json:"studentCode"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
}

type switchInfoResponse struct {
	RequestID         string  `json:"requestId"`
	HoursElapsed      float64 `json:"hoursElapsed"`
	HoursRemaining    float64 `json:"hoursRemaining"`
	CooldownCompleted bool    `json:"cooldownCompleted"`
	AdminApproved     bool    `json:"adminApproved"`
	ActivationDate    string  `json:"activationDate"`
}

type loginResponse struct {
	AccessToken       string              `json:"accessToken"`
	Student           studentSummary      `json:"student"`
	DeviceStatus      string              `json:"deviceStatus"`
	CanMarkAttendance bool                `json:"canMarkAttendance"`
	DeviceSwitchInfo  *switchInfoResponse `json:"deviceSwitchInfo,omitempty"`
}

type deviceStatusResponse struct {
	DeviceID          string              `json:"deviceId"`
	DeviceStatus      string              `json:"deviceStatus"`
	CanMarkAttendance bool                `json:"canMarkAttendance"`
	DeviceSwitchInfo  *switchInfoResponse `json:"deviceSwitchInfo,omitempty"`
}

func (s *Server) handleStudentLogin(w http.ResponseWriter, r *http.Request) {
	var req studentLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.ErrValidation)
		return
	}

	in := login.Request{
		Email:    req.StudentEmail,
		Password: req.Password,
		DeviceID: req.DeviceInfo.DeviceID,
		Device:   req.DeviceInfo.DeviceMetadata,
		ClientIP: s.clientIP(r),
	}
	if req.WifiInfo != nil {
		in.WiFi = &presence.WiFiInfo{SSID: req.WifiInfo.SSID, BSSID: req.WifiInfo.BSSID}
	}
	if req.GPSInfo != nil {
		in.GPS = &presence.GPSInfo{Latitude: req.GPSInfo.Latitude, Longitude: req.GPSInfo.Longitude, Accuracy: req.GPSInfo.Accuracy}
	}

	result, err := s.login.Login(r.Context(), in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: result.AccessToken,
		Student: studentSummary{
			ID:       result.Student.ID,
			Code:     result.Student.Code,
			Email:    result.Student.Email,
			FullName: result.Student.FullName,
		},
		DeviceStatus:      string(result.DeviceStatus),
		CanMarkAttendance: result.CanMarkAttendance,
		DeviceSwitchInfo:  mapSwitchInfo(result.SwitchInfo),
	})
}

func (s *Server) handleMyDeviceStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		deviceID = claims.DeviceID
	}
	result, err := s.login.Status(r.Context(), claims.UserID, deviceID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceStatusResponse{
		DeviceID:          result.DeviceID,
		DeviceStatus:      string(result.DeviceStatus),
		CanMarkAttendance: result.CanMarkAttendance,
		DeviceSwitchInfo:  mapSwitchInfo(result.SwitchInfo),
	})
}

func (s *Server) handleMyActivity(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pagination(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	entries, err := s.admin.StudentActivity(r.Context(), claimsFromContext(r.Context()).UserID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": mapActivities(entries)})
}

type switchRequestResponse struct {
	ID                string               `json:"id"`
	StudentID         string               `json:"studentId"`
	OldDeviceID       *string              `json:"oldDeviceId"`
	NewDeviceID       string               `json:"newDeviceId"`
	NewDeviceMetadata model.DeviceMetadata `json:"newDeviceInfo"`
	Reason            string               `json:"reason,omitempty"`
	Status            string               `json:"status"`
	RequestedAt       time.Time            `json:"requestedAt"`
	ApprovedAt        *time.Time           `json:"approvedAt,omitempty"`
	RejectedAt        *time.Time           `json:"rejectedAt,omitempty"`
	ReviewedBy        *string              `json:"reviewedBy,omitempty"`
	RejectionReason   *string              `json:"rejectionReason,omitempty"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
	AdditionalInfo    map[string]any       `json:"additionalInfo,omitempty"`
}

type deviceResponse struct {
	DeviceID      string               `json:"deviceId"`
	Metadata      model.DeviceMetadata `json:"deviceInfo"`
	Active        bool                 `json:"isActive"`
	ActivatedAt   *time.Time           `json:"activatedAt,omitempty"`
	LastSeenAt    *time.Time           `json:"lastSeenAt,omitempty"`
	DeactivatedAt *time.Time           `json:"deactivatedAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

type activityResponse struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Type      string         `json:"activityType"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (s *Server) handleListSwitchRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	requests, err := s.admin.ListRequests(r.Context(), repository.SwitchRequestFilter{
		Status: model.SwitchStatus(strings.ToLower(r.URL.Query().Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out := make([]switchRequestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, mapSwitchRequest(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) handleGetSwitchRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.admin.GetRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSwitchRequest(req))
}

type approveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApproveSwitchRequest(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, apperr.ErrValidation)
		return
	}
	req, err := s.admin.Approve(r.Context(), chi.URLParam(r, "requestId"), claimsFromContext(r.Context()).UserID, body.Notes)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSwitchRequest(req))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectSwitchRequest(w http.ResponseWriter, r *http.Request) {
	var body reasonRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, apperr.ErrValidation)
		return
	}
	req, err := s.admin.Reject(r.Context(), chi.URLParam(r, "requestId"), claimsFromContext(r.Context()).UserID, body.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSwitchRequest(req))
}

type emergencyRequest struct {
	Reason     string `json:"reason"`
	AdminNotes string `json:"adminNotes"`
}

func (s *Server) handleEmergencyActivate(w http.ResponseWriter, r *http.Request) {
	var body emergencyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, apperr.ErrValidation)
		return
	}
	req, device, err := s.admin.EmergencyActivate(r.Context(), admin.EmergencyRequest{
		StudentCode: chi.URLParam(r, "code"),
		DeviceID:    chi.URLParam(r, "deviceId"),
		AdminID:     claimsFromContext(r.Context()).UserID,
		Reason:      body.Reason,
		Notes:       body.AdminNotes,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request": mapSwitchRequest(req),
		"device":  mapDevice(device),
	})
}

func (s *Server) handleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	var body reasonRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, apperr.ErrValidation)
		return
	}
	err := s.admin.DeactivateDevice(r.Context(), chi.URLParam(r, "code"), chi.URLParam(r, "deviceId"),
		claimsFromContext(r.Context()).UserID, body.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.admin.ListDevices(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, device := range devices {
		out = append(out, mapDevice(device))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleStudentActivity(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pagination(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	entries, err := s.admin.Activity(r.Context(), chi.URLParam(r, "code"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": mapActivities(entries)})
}

func mapSwitchInfo(info *login.SwitchInfo) *switchInfoResponse {
	if info == nil {
		return nil
	}
	return &switchInfoResponse{
		RequestID:         info.RequestID,
		HoursElapsed:      info.HoursElapsed,
		HoursRemaining:    info.HoursRemaining,
		CooldownCompleted: info.CooldownCompleted,
		AdminApproved:     info.AdminApproved,
		ActivationDate:    info.ActivationDate.UTC().Format(time.RFC3339),
	}
}

func mapSwitchRequest(req model.SwitchRequest) switchRequestResponse {
	return switchRequestResponse{
		ID:                req.ID,
		StudentID:         req.StudentID,
		OldDeviceID:       req.OldDeviceID,
		NewDeviceID:       req.NewDeviceID,
		NewDeviceMetadata: req.NewDeviceMetadata,
		Reason:            req.Reason,
		Status:            string(req.Status),
		RequestedAt:       req.RequestedAt,
		ApprovedAt:        req.ApprovedAt,
		RejectedAt:        req.RejectedAt,
		ReviewedBy:        req.ReviewedBy,
		RejectionReason:   req.RejectionReason,
		CompletedAt:       req.CompletedAt,
		AdditionalInfo:    req.AdditionalInfo,
	}
}

func mapDevice(device model.Device) deviceResponse {
	return deviceResponse{
		DeviceID:      device.DeviceID,
		Metadata:      device.Metadata,
		Active:        device.Active,
		ActivatedAt:   device.ActivatedAt,
		LastSeenAt:    device.LastSeenAt,
		DeactivatedAt: device.DeactivatedAt,
		CreatedAt:     device.CreatedAt,
	}
}

func mapActivities(entries []model.ActivityLogEntry) []activityResponse {
	out := make([]activityResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, activityResponse{
			ID:        entry.ID,
			DeviceID:  entry.DeviceID,
			Type:      string(entry.Type),
			Context:   entry.Context,
			CreatedAt: entry.CreatedAt,
		})
	}
	return out
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdminOrDev(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireStudent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.UserType != auth.UserTypeStudent {
			writeError(w, http.StatusForbidden, "student_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", s.clientIP(r)),
		}
		switch {
		case status >= 500:
			s.log.Error("request completed with server error", fields...)
		case status >= 400:
			s.log.Warn("request completed with client error", fields...)
		default:
			s.log.Info("request completed", fields...)
		}
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// statusFor maps every application error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrInvalidCredentials:
		return http.StatusUnauthorized
	case apperr.ErrPresenceRequired:
		return http.StatusForbidden
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrIllegalStateTransition, apperr.ErrDuplicateRequest, apperr.ErrDeviceConflict:
		return http.StatusConflict
	case apperr.ErrTooManyAttempts:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, code)
}

func pagination(r *http.Request) (int, int, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperr.Validation(key + " must be a non-negative integer")
	}
	return value, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// clientIP returns the peer address unless the peer is a trusted proxy. Behind
// one, it walks X-Forwarded-For from the right and takes the first hop that
// is not itself trusted.
func (s *Server) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !s.trusted(remote) {
		return remote
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !s.trusted(hop) || i == 0 {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	return remote
}

func (s *Server) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range s.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
