// Package login runs the student login state machine: credential check,
// device trust evaluation and capability issuance.
package login

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/auth"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/authorizer"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/cooldown"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/crypto"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/lockout"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/metrics"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/presence"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/registry"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/switchrequest"
)

type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (model.Student, error)
}

type TokenIssuer interface {
	Issue(claims auth.Claims) (string, error)
}

type Request struct {
	Email    string               `validate:"required,email"`
	Password string               `validate:"required"`
	DeviceID string               `validate:"required,max=255"`
	Device   model.DeviceMetadata `validate:"-"`
	WiFi     *presence.WiFiInfo   `validate:"omitempty"`
	GPS      *presence.GPSInfo    `validate:"omitempty"`
	ClientIP string               `validate:"-"`
}

type SwitchInfo struct {
	RequestID         string
	HoursElapsed      float64
	HoursRemaining    float64
	CooldownCompleted bool
	AdminApproved     bool
	ActivationDate    time.Time
}

type Result struct {
	AccessToken       string
	Student           model.Student
	DeviceID          string
	DeviceStatus      model.DeviceStatus
	CanMarkAttendance bool
	SwitchInfo        *SwitchInfo
}

type Deps struct {
	Store       repository.Store
	Credentials CredentialVerifier
	Presence    presence.Gate
	Limiter     lockout.Limiter
	// IPLimiter counts failures per client IP under its own, looser policy.
	// Nil disables the IP key.
	IPLimiter   lockout.Limiter
	Tokens      TokenIssuer
	Registry    *registry.Registry
	Requests    *switchrequest.Manager
	Authorizer  *authorizer.Authorizer
	Audit       *audit.Recorder
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Now         func() time.Time
}

type Orchestrator struct {
	Deps
	validate *validator.Validate
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Orchestrator{Deps: deps, validate: validator.New()}
}

// errPresenceNeeded aborts the first transaction attempt so the presence
// gate can be called without holding the student lock.
var errPresenceNeeded = errors.New("presence verification needed")

func (o *Orchestrator) Login(ctx context.Context, req Request) (Result, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if err := o.validateRequest(req); err != nil {
		o.Metrics.LoginOutcome(apperr.ErrValidation)
		return Result{}, err
	}

	emailKey := "email:" + crypto.Fingerprint(req.Email)
	ipKey := ""
	if req.ClientIP != "" && o.IPLimiter != nil {
		ipKey = "ip:" + req.ClientIP
	}
	if o.checkLocked(ctx, o.Limiter, emailKey) || o.checkLocked(ctx, o.IPLimiter, ipKey) {
		o.Audit.Record(ctx, "", req.DeviceID, model.ActivityLoginLocked, map[string]any{
			"email_hash": crypto.Fingerprint(req.Email),
			"ip":         req.ClientIP,
		})
		o.Metrics.LoginOutcome(apperr.ErrTooManyAttempts)
		return Result{}, apperr.New(apperr.ErrTooManyAttempts, "too many failed login attempts")
	}

	student, err := o.Credentials.Verify(ctx, req.Email, req.Password)
	if err != nil {
		if apperr.Is(err, apperr.ErrInvalidCredentials) {
			o.recordFailure(ctx, o.Limiter, emailKey)
			o.recordFailure(ctx, o.IPLimiter, ipKey)
			o.Audit.Record(ctx, student.ID, req.DeviceID, model.ActivityFailedLogin, map[string]any{
				"email_hash": crypto.Fingerprint(req.Email),
				"ip":         req.ClientIP,
				"wifi_ssid":  ssidOf(req.WiFi),
			})
		}
		o.Metrics.LoginOutcome(apperr.CodeOf(err))
		return Result{}, err
	}
	o.resetFailures(ctx, emailKey)

	result, err := o.authorizeDevice(ctx, student, req)
	if err != nil {
		o.Metrics.LoginOutcome(apperr.CodeOf(err))
		return Result{}, err
	}

	token, err := o.Tokens.Issue(auth.Claims{
		UserID:            student.ID,
		UserType:          auth.UserTypeStudent,
		StudentCode:       student.Code,
		DeviceID:          req.DeviceID,
		DeviceStatus:      string(result.DeviceStatus),
		CanMarkAttendance: result.CanMarkAttendance,
	})
	if err != nil {
		o.Metrics.LoginOutcome(apperr.ErrServerError)
		return Result{}, apperr.Internal(err)
	}
	result.AccessToken = token
	o.Metrics.LoginOutcome(string(result.DeviceStatus))
	o.Log.Info("student login",
		zap.String("event", "login"),
		zap.String("student_id", student.ID),
		zap.String("device_id", req.DeviceID),
		zap.String("device_status", string(result.DeviceStatus)),
		zap.Bool("can_mark_attendance", result.CanMarkAttendance),
	)
	return result, nil
}

func (o *Orchestrator) validateRequest(req Request) error {
	if req.DeviceID == "" {
		return apperr.Validation("device id required")
	}
	if err := o.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return apperr.Validation(strings.ToLower(fieldErrs[0].Field()) + " is invalid")
		}
		return apperr.Validation("invalid login request")
	}
	return nil
}

// authorizeDevice runs the device state machine inside the student's
// transaction. The first attempt runs without a presence verdict; when the
// branch taken needs one, the gate is consulted outside the lock and the
// transaction is replayed with the verdict.
func (o *Orchestrator) authorizeDevice(ctx context.Context, student model.Student, req Request) (Result, error) {
	var verdict *presence.Verdict
	for attempt := 0; attempt < 2; attempt++ {
		trail := o.Audit.NewTrail()
		now := o.Now()
		var result Result
		err := o.Store.WithStudentTx(ctx, student.ID, func(tx repository.Tx) error {
			var err error
			result, err = o.evaluate(ctx, tx, trail, student, req, verdict, now)
			return err
		})
		if errors.Is(err, errPresenceNeeded) && verdict == nil {
			v, gateErr := o.Presence.Verify(ctx, presence.Evidence{WiFi: req.WiFi, GPS: req.GPS})
			if gateErr != nil {
				v = presence.Deny(presence.ReasonUnavailable)
			}
			verdict = &v
			continue
		}
		o.Audit.Flush(ctx, trail, err == nil)
		if err != nil {
			return Result{}, translate(err)
		}
		result.Student = student
		result.DeviceID = req.DeviceID
		return result, nil
	}
	return Result{}, apperr.Internal(errors.New("presence verdict not applied"))
}

func (o *Orchestrator) evaluate(ctx context.Context, tx repository.Tx, trail *audit.Trail, student model.Student, req Request, verdict *presence.Verdict, now time.Time) (Result, error) {
	active, err := o.Registry.FindActive(ctx, tx, student.ID)
	if err != nil {
		return Result{}, err
	}

	// Same device: refresh and grant.
	if active != nil && active.DeviceID == req.DeviceID {
		if err := o.Registry.Touch(ctx, tx, student.ID, req.DeviceID, now); err != nil {
			return Result{}, err
		}
		trail.Add(student.ID, req.DeviceID, model.ActivityLoginSuccess, map[string]any{"ip": req.ClientIP})
		return Result{DeviceStatus: model.DeviceStatusActive, CanMarkAttendance: true}, nil
	}

	// An open request for this device: re-run the dual gate.
	open, err := o.Requests.FindOpen(ctx, tx, student.ID, req.DeviceID)
	if err != nil {
		return Result{}, err
	}
	if open != nil {
		decision, err := o.Authorizer.Authorize(ctx, tx, trail, open, now)
		if err != nil {
			return Result{}, err
		}
		trail.Add(student.ID, req.DeviceID, model.ActivityLoginSuccess, map[string]any{
			"ip":            req.ClientIP,
			"request_id":    open.ID,
			"device_status": string(decision.Status),
		})
		return resultFor(*open, decision, o.Authorizer.Cooldown()), nil
	}

	// New device for this student.
	existing, err := o.Registry.FindByDeviceID(ctx, tx, req.DeviceID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil && existing.StudentID != student.ID && existing.Active {
		trail.AddAlways(student.ID, req.DeviceID, model.ActivityDeviceConflict, map[string]any{"ip": req.ClientIP})
		return Result{}, apperr.New(apperr.ErrDeviceConflict, "device is registered to another student")
	}

	if verdict == nil {
		return Result{}, errPresenceNeeded
	}
	if !verdict.Allowed {
		o.Metrics.PresenceDenied(verdict.Reason)
		trail.AddAlways(student.ID, req.DeviceID, model.ActivityPresenceDenied, map[string]any{
			"reason":    verdict.Reason,
			"wifi_ssid": ssidOf(req.WiFi),
			"ip":        req.ClientIP,
		})
		return Result{}, apperr.New(apperr.ErrPresenceRequired, "campus presence verification failed: "+verdict.Reason)
	}

	hasHistory, err := o.Registry.HasHistory(ctx, tx, student.ID)
	if err != nil {
		return Result{}, err
	}
	foreign := existing != nil && existing.StudentID != student.ID
	if !hasHistory && !foreign {
		if _, err := o.Registry.Activate(ctx, tx, trail, student.ID, req.DeviceID, req.Device, map[string]any{
			"path":      authorizer.PathFirstDevice,
			"wifi_ssid": ssidOf(req.WiFi),
		}, now); err != nil {
			return Result{}, err
		}
		trail.Add(student.ID, req.DeviceID, model.ActivityDeviceRegistered, map[string]any{"ip": req.ClientIP})
		o.Metrics.Activation(authorizer.PathFirstDevice)
		return Result{DeviceStatus: model.DeviceStatusActive, CanMarkAttendance: true}, nil
	}

	// Switch: the old device loses trust right away.
	var oldDeviceID *string
	if active != nil {
		id := active.DeviceID
		oldDeviceID = &id
	}
	if _, err := o.Registry.DeactivateAllExcept(ctx, tx, trail, student.ID, req.DeviceID, "device_switch_requested", now); err != nil {
		return Result{}, err
	}
	created, err := o.Requests.Create(ctx, tx, trail, switchrequest.CreateParams{
		StudentID:   student.ID,
		OldDeviceID: oldDeviceID,
		NewDeviceID: req.DeviceID,
		Metadata:    req.Device,
		Reason:      "login_from_new_device",
		Info: map[string]any{
			"wifi_ssid":      ssidOf(req.WiFi),
			"ip":             req.ClientIP,
			"distance_m":     verdict.DistanceMeters,
			"foreign_device": foreign,
		},
	}, now)
	if err != nil {
		return Result{}, err
	}
	decision := o.Authorizer.Evaluate(created, now)
	return resultFor(created, decision, o.Authorizer.Cooldown()), nil
}

// Status reports what a login from deviceID would currently yield, without
// changing any state.
func (o *Orchestrator) Status(ctx context.Context, studentID, deviceID string) (Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Result{}, apperr.Validation("device id required")
	}
	now := o.Now()
	var result Result
	err := o.Store.ReadStudent(ctx, studentID, func(tx repository.Tx) error {
		active, err := o.Registry.FindActive(ctx, tx, studentID)
		if err != nil {
			return err
		}
		if active != nil && active.DeviceID == deviceID {
			result = Result{DeviceStatus: model.DeviceStatusActive, CanMarkAttendance: true}
			return nil
		}
		open, err := o.Requests.FindOpen(ctx, tx, studentID, deviceID)
		if err != nil {
			return err
		}
		if open != nil {
			decision := o.Authorizer.Evaluate(*open, now)
			// Activation happens on login, never on a status read; both
			// flags in the switch info tell the client to log in again.
			if decision.Activate {
				decision.Status = model.DeviceStatusPendingActivation
				decision.CanMarkAttendance = false
			}
			result = resultFor(*open, decision, o.Authorizer.Cooldown())
			return nil
		}
		device, err := o.Registry.FindByDeviceID(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		if device != nil && device.StudentID == studentID {
			result = Result{DeviceStatus: model.DeviceStatusInactive}
		} else {
			result = Result{DeviceStatus: model.DeviceStatusUnregistered}
		}
		return nil
	})
	if err != nil {
		return Result{}, translate(err)
	}
	result.DeviceID = deviceID
	return result, nil
}

func resultFor(req model.SwitchRequest, decision authorizer.Decision, eval cooldown.Evaluator) Result {
	return Result{
		DeviceStatus:      decision.Status,
		CanMarkAttendance: decision.CanMarkAttendance,
		SwitchInfo: &SwitchInfo{
			RequestID:         req.ID,
			HoursElapsed:      decision.Cooldown.ElapsedHours,
			HoursRemaining:    decision.Cooldown.RemainingHours,
			CooldownCompleted: decision.Cooldown.IsComplete,
			AdminApproved:     decision.AdminApproved,
			ActivationDate:    req.RequestedAt.Add(eval.Duration),
		},
	}
}

func (o *Orchestrator) checkLocked(ctx context.Context, limiter lockout.Limiter, key string) bool {
	if limiter == nil || key == "" {
		return false
	}
	locked, _, err := limiter.Locked(ctx, key)
	if err != nil {
		o.lockoutError(err)
		return false
	}
	return locked
}

func (o *Orchestrator) recordFailure(ctx context.Context, limiter lockout.Limiter, key string) {
	if limiter == nil || key == "" {
		return
	}
	if _, err := limiter.Fail(ctx, key); err != nil {
		o.lockoutError(err)
	}
}

func (o *Orchestrator) resetFailures(ctx context.Context, key string) {
	if o.Limiter == nil {
		return
	}
	if err := o.Limiter.Reset(ctx, key); err != nil {
		o.lockoutError(err)
	}
}

func (o *Orchestrator) lockoutError(err error) {
	o.Metrics.LockoutStoreError()
	o.Log.Warn("lockout store unavailable", zap.Error(err))
}

// translate keeps storage errors from leaking past the orchestrator.
func translate(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("student")
	}
	return apperr.Internal(err)
}

func ssidOf(wifi *presence.WiFiInfo) string {
	if wifi == nil {
		return ""
	}
	return wifi.SSID
}
