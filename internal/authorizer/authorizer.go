// Package authorizer combines the cooldown gate with the administrator gate
// and performs the activation once both hold.
package authorizer

import (
	"context"
	"time"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/cooldown"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/registry"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/switchrequest"
)

const (
	PathFirstDevice = "first_device"
	PathDualGate    = "dual_gate"
	PathEmergency   = "emergency"
)

type Decision struct {
	Status            model.DeviceStatus
	CanMarkAttendance bool
	// Activate is set only when both gates hold on an unfinished request.
	Activate bool
	// NeedsNewRequest is set for rejected requests: they grant nothing and
	// the next login must open a fresh one.
	NeedsNewRequest bool
	Cooldown        cooldown.Status
	AdminApproved   bool
}

// Decide is the decision table for one switch request.
func Decide(req model.SwitchRequest, cd cooldown.Status) Decision {
	d := Decision{Cooldown: cd, AdminApproved: req.Status == model.SwitchApproved}
	switch req.Status {
	case model.SwitchRejected:
		d.Status = model.DeviceStatusPendingActivation
		d.NeedsNewRequest = true
	case model.SwitchApproved:
		switch {
		case req.CompletedAt != nil:
			d.Status = model.DeviceStatusActive
			d.CanMarkAttendance = true
		case cd.IsComplete:
			d.Status = model.DeviceStatusActive
			d.CanMarkAttendance = true
			d.Activate = true
		default:
			d.Status = model.DeviceStatusPendingActivation
		}
	default:
		if cd.IsComplete {
			d.Status = model.DeviceStatusAwaitingAdminApproval
		} else {
			d.Status = model.DeviceStatusPendingActivation
		}
	}
	return d
}

// Activation is called once per successful device flip.
type Activation func(path string)

type Authorizer struct {
	cooldown     cooldown.Evaluator
	registry     *registry.Registry
	requests     *switchrequest.Manager
	onActivation Activation
}

func New(eval cooldown.Evaluator, reg *registry.Registry, requests *switchrequest.Manager, onActivation Activation) *Authorizer {
	if onActivation == nil {
		onActivation = func(string) {}
	}
	return &Authorizer{cooldown: eval, registry: reg, requests: requests, onActivation: onActivation}
}

func (a *Authorizer) Cooldown() cooldown.Evaluator {
	return a.cooldown
}

// Evaluate applies the decision table without side effects.
func (a *Authorizer) Evaluate(req model.SwitchRequest, now time.Time) Decision {
	return Decide(req, a.cooldown.Evaluate(req.RequestedAt, now))
}

// Authorize evaluates req and, when both gates hold, activates its device in
// the caller's transaction. req is updated in place.
func (a *Authorizer) Authorize(ctx context.Context, tx repository.Tx, trail *audit.Trail, req *model.SwitchRequest, now time.Time) (Decision, error) {
	decision := a.Evaluate(*req, now)
	if !decision.Activate {
		return decision, nil
	}
	if _, err := a.Activate(ctx, tx, trail, req, PathDualGate, now); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Activate flips the student's trust to req's device: every other device is
// deactivated, the new one activated, then the request completed. Other open
// requests for the student are superseded.
func (a *Authorizer) Activate(ctx context.Context, tx repository.Tx, trail *audit.Trail, req *model.SwitchRequest, path string, now time.Time) (model.Device, error) {
	if req.Status != model.SwitchApproved || req.CompletedAt != nil {
		return model.Device{}, apperr.New(apperr.ErrIllegalStateTransition, "switch request is not awaiting activation")
	}
	if _, err := a.registry.DeactivateAllExcept(ctx, tx, trail, req.StudentID, req.NewDeviceID, "switch_activated", now); err != nil {
		return model.Device{}, err
	}
	device, err := a.registry.Activate(ctx, tx, trail, req.StudentID, req.NewDeviceID, req.NewDeviceMetadata, map[string]any{
		"path":       path,
		"request_id": req.ID,
	}, now)
	if err != nil {
		return model.Device{}, err
	}
	if err := a.requests.Complete(ctx, tx, req, now); err != nil {
		return model.Device{}, err
	}

	others, err := tx.ListOpenSwitchRequests(ctx, req.StudentID)
	if err != nil {
		return model.Device{}, apperr.Internal(err)
	}
	for _, other := range others {
		if other.ID == req.ID {
			continue
		}
		if _, err := a.requests.Supersede(ctx, tx, trail, other, req.ID, now); err != nil {
			return model.Device{}, err
		}
	}
	a.onActivation(path)
	return device, nil
}

// EmergencyOverride activates newDeviceID immediately, bypassing the
// cooldown. It is an administrator action only.
func (a *Authorizer) EmergencyOverride(ctx context.Context, tx repository.Tx, trail *audit.Trail, p switchrequest.EmergencyParams, now time.Time) (model.SwitchRequest, model.Device, error) {
	if p.OldDeviceID == nil {
		if active, err := a.registry.FindActive(ctx, tx, p.StudentID); err != nil {
			return model.SwitchRequest{}, model.Device{}, err
		} else if active != nil && active.DeviceID != p.NewDeviceID {
			p.OldDeviceID = &active.DeviceID
		}
	}
	if p.Metadata == nil {
		if existing, err := a.registry.FindByDeviceID(ctx, tx, p.NewDeviceID); err != nil {
			return model.SwitchRequest{}, model.Device{}, err
		} else if existing != nil {
			p.Metadata = &existing.Metadata
		}
	}

	req, err := a.requests.PrepareEmergency(ctx, tx, trail, p, now)
	if err != nil {
		return model.SwitchRequest{}, model.Device{}, err
	}
	cd := a.cooldown.Evaluate(req.RequestedAt, now)
	device, err := a.Activate(ctx, tx, trail, &req, PathEmergency, now)
	if err != nil {
		return model.SwitchRequest{}, model.Device{}, err
	}
	trail.Add(p.StudentID, p.NewDeviceID, model.ActivityEmergencyActivation, map[string]any{
		"request_id":               req.ID,
		"admin_id":                 p.AdminID,
		"reason":                   p.Reason,
		"admin_notes":              p.Notes,
		"bypassed_cooldown":        true,
		"cooldown_elapsed_hours":   cd.ElapsedHours,
		"cooldown_remaining_hours": cd.RemainingHours,
	})
	return req, device, nil
}
