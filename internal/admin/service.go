// Package admin implements administrator actions on switch requests and
// devices. Approval and rejection only change the request; activation is
// applied by the student's next login or by an emergency override.
package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/authorizer"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/metrics"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/registry"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/switchrequest"
)

const expireBatch = 100

type Deps struct {
	Store      repository.Store
	Registry   *registry.Registry
	Requests   *switchrequest.Manager
	Authorizer *authorizer.Authorizer
	Audit      *audit.Recorder
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time
}

type Service struct {
	Deps
}

func NewService(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Service{Deps: deps}
}

func (s *Service) ListRequests(ctx context.Context, filter repository.SwitchRequestFilter) ([]model.SwitchRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("unknown status " + string(filter.Status))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, apperr.Validation("limit and offset must not be negative")
	}
	requests, err := s.Store.ListSwitchRequests(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return requests, nil
}

func (s *Service) GetRequest(ctx context.Context, requestID string) (model.SwitchRequest, error) {
	req, err := s.Store.GetSwitchRequest(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SwitchRequest{}, apperr.NotFound("switch request")
	}
	if err != nil {
		return model.SwitchRequest{}, apperr.Internal(err)
	}
	return req, nil
}

func (s *Service) Approve(ctx context.Context, requestID, adminID, notes string) (model.SwitchRequest, error) {
	var out model.SwitchRequest
	err := s.withRequestTx(ctx, requestID, func(tx repository.Tx, trail *audit.Trail, now time.Time) error {
		var err error
		out, err = s.Requests.Approve(ctx, tx, trail, requestID, adminID, strings.TrimSpace(notes), now)
		return err
	})
	if err != nil {
		return model.SwitchRequest{}, err
	}
	s.Log.Info("switch request approved",
		zap.String("event", "switch_request_approved"),
		zap.String("request_id", out.ID),
		zap.String("student_id", out.StudentID),
		zap.String("admin_id", adminID),
	)
	return out, nil
}

func (s *Service) Reject(ctx context.Context, requestID, adminID, reason string) (model.SwitchRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.SwitchRequest{}, apperr.Validation("rejection reason required")
	}
	var out model.SwitchRequest
	err := s.withRequestTx(ctx, requestID, func(tx repository.Tx, trail *audit.Trail, now time.Time) error {
		var err error
		out, err = s.Requests.Reject(ctx, tx, trail, requestID, adminID, reason, now)
		return err
	})
	if err != nil {
		return model.SwitchRequest{}, err
	}
	s.Log.Info("switch request rejected",
		zap.String("event", "switch_request_rejected"),
		zap.String("request_id", out.ID),
		zap.String("student_id", out.StudentID),
		zap.String("admin_id", adminID),
	)
	return out, nil
}

type EmergencyRequest struct {
	StudentCode string
	DeviceID    string
	AdminID     string
	Reason      string
	Notes       string
}

// EmergencyActivate makes DeviceID the student's active device now,
// bypassing the cooldown.
func (s *Service) EmergencyActivate(ctx context.Context, req EmergencyRequest) (model.SwitchRequest, model.Device, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.DeviceID == "" {
		return model.SwitchRequest{}, model.Device{}, apperr.Validation("device id required")
	}
	if req.Reason == "" {
		return model.SwitchRequest{}, model.Device{}, apperr.Validation("emergency reason required")
	}
	student, err := s.student(ctx, req.StudentCode)
	if err != nil {
		return model.SwitchRequest{}, model.Device{}, err
	}

	var (
		sr     model.SwitchRequest
		device model.Device
	)
	err = s.withStudentTx(ctx, student.ID, func(tx repository.Tx, trail *audit.Trail, now time.Time) error {
		active, err := s.Registry.FindActive(ctx, tx, student.ID)
		if err != nil {
			return err
		}
		if active != nil && active.DeviceID == req.DeviceID {
			return apperr.New(apperr.ErrIllegalStateTransition, "device is already active")
		}
		sr, device, err = s.Authorizer.EmergencyOverride(ctx, tx, trail, switchrequest.EmergencyParams{
			StudentID:   student.ID,
			NewDeviceID: req.DeviceID,
			AdminID:     req.AdminID,
			Reason:      req.Reason,
			Notes:       strings.TrimSpace(req.Notes),
		}, now)
		return err
	})
	if err != nil {
		return model.SwitchRequest{}, model.Device{}, err
	}
	s.Log.Warn("emergency device activation",
		zap.String("event", "emergency_activation"),
		zap.String("student_id", student.ID),
		zap.String("device_id", req.DeviceID),
		zap.String("request_id", sr.ID),
		zap.String("admin_id", req.AdminID),
	)
	return sr, device, nil
}

func (s *Service) DeactivateDevice(ctx context.Context, studentCode, deviceID, adminID, reason string) error {
	deviceID = strings.TrimSpace(deviceID)
	reason = strings.TrimSpace(reason)
	if deviceID == "" {
		return apperr.Validation("device id required")
	}
	if reason == "" {
		return apperr.Validation("deactivation reason required")
	}
	student, err := s.student(ctx, studentCode)
	if err != nil {
		return err
	}
	err = s.withStudentTx(ctx, student.ID, func(tx repository.Tx, trail *audit.Trail, now time.Time) error {
		changed, err := s.Registry.Deactivate(ctx, tx, trail, student.ID, deviceID, map[string]any{
			"admin_id": adminID,
			"reason":   reason,
		}, now)
		if err != nil {
			return err
		}
		if !changed {
			return apperr.New(apperr.ErrIllegalStateTransition, "device is not active")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Log.Info("device deactivated by admin",
		zap.String("event", "device_deactivated"),
		zap.String("student_id", student.ID),
		zap.String("device_id", deviceID),
		zap.String("admin_id", adminID),
	)
	return nil
}

func (s *Service) ListDevices(ctx context.Context, studentCode string) ([]model.Device, error) {
	student, err := s.student(ctx, studentCode)
	if err != nil {
		return nil, err
	}
	devices, err := s.Store.ListDevices(ctx, student.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return devices, nil
}

func (s *Service) Activity(ctx context.Context, studentCode string, limit int) ([]model.ActivityLogEntry, error) {
	student, err := s.student(ctx, studentCode)
	if err != nil {
		return nil, err
	}
	return s.StudentActivity(ctx, student.ID, limit)
}

func (s *Service) StudentActivity(ctx context.Context, studentID string, limit int) ([]model.ActivityLogEntry, error) {
	if limit < 0 {
		return nil, apperr.Validation("limit must not be negative")
	}
	entries, err := s.Store.ListActivity(ctx, studentID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return entries, nil
}

// ExpireStale rejects pending requests older than expiry. It returns how
// many were expired; a failure on one request does not stop the batch.
func (s *Service) ExpireStale(ctx context.Context, expiry time.Duration) (int, error) {
	if expiry <= 0 {
		return 0, nil
	}
	cutoff := s.Now().Add(-expiry)
	stale, err := s.Store.ListStalePending(ctx, cutoff, expireBatch)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	expired := 0
	for _, req := range stale {
		done := false
		err := s.withStudentTx(ctx, req.StudentID, func(tx repository.Tx, trail *audit.Trail, now time.Time) error {
			current, err := s.Requests.Get(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			// Re-checked under the lock; a login may have moved it on.
			if current.Status != model.SwitchPending || current.RequestedAt.After(cutoff) {
				return nil
			}
			if _, err := s.Requests.Expire(ctx, tx, trail, req.ID, now); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			s.Log.Warn("expire switch request failed", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		if done {
			expired++
		}
	}
	s.Metrics.RequestsExpired(expired)
	return expired, nil
}

func (s *Service) student(ctx context.Context, code string) (model.Student, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.Student{}, apperr.Validation("student code required")
	}
	student, err := s.Store.GetStudentByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Student{}, apperr.NotFound("student")
	}
	if err != nil {
		return model.Student{}, apperr.Internal(err)
	}
	return student, nil
}

func (s *Service) withRequestTx(ctx context.Context, requestID string, fn func(repository.Tx, *audit.Trail, time.Time) error) error {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return s.withStudentTx(ctx, req.StudentID, fn)
}

func (s *Service) withStudentTx(ctx context.Context, studentID string, fn func(repository.Tx, *audit.Trail, time.Time) error) error {
	trail := s.Audit.NewTrail()
	now := s.Now()
	err := s.Store.WithStudentTx(ctx, studentID, func(tx repository.Tx) error {
		return fn(tx, trail, now)
	})
	s.Audit.Flush(ctx, trail, err == nil)
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("student")
	}
	return apperr.Internal(err)
}
