// Package switchrequest owns the lifecycle of a request to replace a
// student's active device: pending, then approved or rejected. A request
// never returns to pending.
package switchrequest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
)

const (
	ReviewerSystem = "system"

	ReasonExpired    = "expired"
	ReasonSuperseded = "superseded"
)

type Manager struct {
	newID func() string
}

func New() *Manager {
	return &Manager{newID: uuid.NewString}
}

type CreateParams struct {
	StudentID   string
	OldDeviceID *string
	NewDeviceID string
	Metadata    model.DeviceMetadata
	Reason      string
	Info        map[string]any
}

// FindOpen returns the request still gating newDeviceID (pending, or
// approved and awaiting activation), or nil.
func (m *Manager) FindOpen(ctx context.Context, tx repository.Tx, studentID, newDeviceID string) (*model.SwitchRequest, error) {
	req, err := tx.FindOpenSwitchRequest(ctx, studentID, newDeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &req, nil
}

func (m *Manager) Get(ctx context.Context, tx repository.Tx, requestID string) (model.SwitchRequest, error) {
	req, err := tx.GetSwitchRequest(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SwitchRequest{}, apperr.NotFound("switch request")
	}
	if err != nil {
		return model.SwitchRequest{}, apperr.Internal(err)
	}
	return req, nil
}

func (m *Manager) Create(ctx context.Context, tx repository.Tx, trail *audit.Trail, p CreateParams, at time.Time) (model.SwitchRequest, error) {
	if strings.TrimSpace(p.NewDeviceID) == "" {
		return model.SwitchRequest{}, apperr.Validation("new device id required")
	}
	if existing, err := m.FindOpen(ctx, tx, p.StudentID, p.NewDeviceID); err != nil {
		return model.SwitchRequest{}, err
	} else if existing != nil {
		return model.SwitchRequest{}, apperr.New(apperr.ErrDuplicateRequest, "open switch request already exists")
	}

	info := p.Info
	if info == nil {
		info = map[string]any{}
	}
	req := model.SwitchRequest{
		ID:                m.newID(),
		StudentID:         p.StudentID,
		OldDeviceID:       p.OldDeviceID,
		NewDeviceID:       p.NewDeviceID,
		NewDeviceMetadata: p.Metadata,
		Reason:            p.Reason,
		Status:            model.SwitchPending,
		RequestedAt:       at,
		AdditionalInfo:    info,
	}
	if err := tx.InsertSwitchRequest(ctx, req); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return model.SwitchRequest{}, apperr.New(apperr.ErrDuplicateRequest, "open switch request already exists")
		}
		return model.SwitchRequest{}, apperr.Internal(err)
	}
	trail.Add(p.StudentID, p.NewDeviceID, model.ActivitySwitchRequestCreated, map[string]any{
		"request_id":    req.ID,
		"old_device_id": derefString(p.OldDeviceID),
		"reason":        p.Reason,
	})
	return req, nil
}

// Approve records the administrator gate. It does not activate the device.
func (m *Manager) Approve(ctx context.Context, tx repository.Tx, trail *audit.Trail, requestID, adminID, notes string, at time.Time) (model.SwitchRequest, error) {
	req, err := m.Get(ctx, tx, requestID)
	if err != nil {
		return model.SwitchRequest{}, err
	}
	if req.Status != model.SwitchPending {
		return model.SwitchRequest{}, illegalTransition(req.Status, model.SwitchApproved)
	}
	markApproved(&req, adminID, at)
	if notes != "" {
		req.AdditionalInfo["admin_notes"] = notes
	}
	if err := m.save(ctx, tx, req); err != nil {
		return model.SwitchRequest{}, err
	}
	trail.Add(req.StudentID, req.NewDeviceID, model.ActivitySwitchRequestApproved, map[string]any{
		"request_id": req.ID,
		"admin_id":   adminID,
		"notes":      notes,
	})
	return req, nil
}

func (m *Manager) Reject(ctx context.Context, tx repository.Tx, trail *audit.Trail, requestID, adminID, reason string, at time.Time) (model.SwitchRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.SwitchRequest{}, apperr.Validation("rejection reason required")
	}
	req, err := m.Get(ctx, tx, requestID)
	if err != nil {
		return model.SwitchRequest{}, err
	}
	if req.Status != model.SwitchPending {
		return model.SwitchRequest{}, illegalTransition(req.Status, model.SwitchRejected)
	}
	return m.reject(ctx, tx, trail, req, adminID, reason, model.ActivitySwitchRequestRejected, nil, at)
}

// Expire auto-rejects a stale pending request on behalf of the system.
func (m *Manager) Expire(ctx context.Context, tx repository.Tx, trail *audit.Trail, requestID string, at time.Time) (model.SwitchRequest, error) {
	req, err := m.Get(ctx, tx, requestID)
	if err != nil {
		return model.SwitchRequest{}, err
	}
	if req.Status != model.SwitchPending {
		return model.SwitchRequest{}, illegalTransition(req.Status, model.SwitchRejected)
	}
	return m.reject(ctx, tx, trail, req, ReviewerSystem, ReasonExpired, model.ActivitySwitchRequestExpired,
		map[string]any{"auto_expired": true}, at)
}

// Supersede closes an open request made redundant by another activation.
func (m *Manager) Supersede(ctx context.Context, tx repository.Tx, trail *audit.Trail, req model.SwitchRequest, winnerID string, at time.Time) (model.SwitchRequest, error) {
	if !req.Open() {
		return model.SwitchRequest{}, illegalTransition(req.Status, model.SwitchRejected)
	}
	return m.reject(ctx, tx, trail, req, ReviewerSystem, ReasonSuperseded, model.ActivitySwitchRequestSuperseded,
		map[string]any{"superseded_by": winnerID}, at)
}

func (m *Manager) reject(ctx context.Context, tx repository.Tx, trail *audit.Trail, req model.SwitchRequest, reviewer, reason string, kind model.ActivityType, extra map[string]any, at time.Time) (model.SwitchRequest, error) {
	if req.AdditionalInfo == nil {
		req.AdditionalInfo = map[string]any{}
	}
	// An approved request keeps its approver; who closed it goes into
	// additional_info instead.
	if req.Status == model.SwitchApproved {
		req.AdditionalInfo["rejected_by"] = reviewer
	} else {
		req.ReviewedBy = &reviewer
	}
	req.Status = model.SwitchRejected
	req.RejectedAt = &at
	req.RejectionReason = &reason
	for k, v := range extra {
		req.AdditionalInfo[k] = v
	}
	if err := m.save(ctx, tx, req); err != nil {
		return model.SwitchRequest{}, err
	}
	details := map[string]any{
		"request_id": req.ID,
		"admin_id":   reviewer,
		"reason":     reason,
	}
	for k, v := range extra {
		details[k] = v
	}
	trail.Add(req.StudentID, req.NewDeviceID, kind, details)
	return req, nil
}

// Complete stamps completed_at. It must only run after the new device has
// been activated in the same transaction.
func (m *Manager) Complete(ctx context.Context, tx repository.Tx, req *model.SwitchRequest, at time.Time) error {
	if req.Status != model.SwitchApproved || req.CompletedAt != nil {
		return illegalTransition(req.Status, "completed")
	}
	req.CompletedAt = &at
	return m.save(ctx, tx, *req)
}

type EmergencyParams struct {
	StudentID   string
	NewDeviceID string
	AdminID     string
	Reason      string
	Notes       string
	Metadata    *model.DeviceMetadata
	OldDeviceID *string
}

// PrepareEmergency brings the open request for the device (synthesising one
// if needed) straight to approved, annotated as an override. The caller
// activates and then completes it.
func (m *Manager) PrepareEmergency(ctx context.Context, tx repository.Tx, trail *audit.Trail, p EmergencyParams, at time.Time) (model.SwitchRequest, error) {
	p.Reason = strings.TrimSpace(p.Reason)
	if p.Reason == "" {
		return model.SwitchRequest{}, apperr.Validation("emergency reason required")
	}
	open, err := m.FindOpen(ctx, tx, p.StudentID, p.NewDeviceID)
	if err != nil {
		return model.SwitchRequest{}, err
	}

	var req model.SwitchRequest
	if open != nil {
		req = *open
	} else {
		meta := model.DeviceMetadata{}
		if p.Metadata != nil {
			meta = *p.Metadata
		}
		req, err = m.Create(ctx, tx, trail, CreateParams{
			StudentID:   p.StudentID,
			OldDeviceID: p.OldDeviceID,
			NewDeviceID: p.NewDeviceID,
			Metadata:    meta,
			Reason:      p.Reason,
			Info:        map[string]any{"synthesized": true},
		}, at)
		if err != nil {
			return model.SwitchRequest{}, err
		}
	}

	if req.Status == model.SwitchPending {
		markApproved(&req, p.AdminID, at)
	}
	if req.AdditionalInfo == nil {
		req.AdditionalInfo = map[string]any{}
	}
	req.AdditionalInfo["emergency_override"] = true
	req.AdditionalInfo["bypassed_cooldown"] = true
	req.AdditionalInfo["emergency_reason"] = p.Reason
	if p.Notes != "" {
		req.AdditionalInfo["admin_notes"] = p.Notes
	}
	if err := m.save(ctx, tx, req); err != nil {
		return model.SwitchRequest{}, err
	}
	return req, nil
}

func (m *Manager) save(ctx context.Context, tx repository.Tx, req model.SwitchRequest) error {
	err := tx.UpdateSwitchRequest(ctx, req)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("switch request")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func markApproved(req *model.SwitchRequest, adminID string, at time.Time) {
	req.Status = model.SwitchApproved
	req.ApprovedAt = &at
	req.ReviewedBy = &adminID
	if req.AdditionalInfo == nil {
		req.AdditionalInfo = map[string]any{}
	}
}

func illegalTransition(from, to model.SwitchStatus) error {
	return apperr.New(apperr.ErrIllegalStateTransition, "cannot move switch request from "+string(from)+" to "+string(to))
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
