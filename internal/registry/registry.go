// Package registry owns the devices a student has ever used and which one
// of them is active. Every method runs inside a student transaction.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/audit"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
)

type Registry struct{}

func New() *Registry {
	return &Registry{}
}

// FindActive returns nil when the student has no active device.
func (r *Registry) FindActive(ctx context.Context, tx repository.Tx, studentID string) (*model.Device, error) {
	device, err := tx.FindActiveDevice(ctx, studentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &device, nil
}

// FindByDeviceID is a global lookup; device ids are unique system-wide.
func (r *Registry) FindByDeviceID(ctx context.Context, tx repository.Tx, deviceID string) (*model.Device, error) {
	device, err := tx.FindDeviceByDeviceID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &device, nil
}

func (r *Registry) HasHistory(ctx context.Context, tx repository.Tx, studentID string) (bool, error) {
	count, err := tx.CountDevices(ctx, studentID)
	if err != nil {
		return false, apperr.Internal(err)
	}
	return count > 0, nil
}

func (r *Registry) DeactivateAllExcept(ctx context.Context, tx repository.Tx, trail *audit.Trail, studentID, keepDeviceID, reason string, at time.Time) ([]string, error) {
	ids, err := tx.DeactivateDevicesExcept(ctx, studentID, keepDeviceID, at)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, id := range ids {
		trail.Add(studentID, id, model.ActivityDeviceDeactivated, map[string]any{
			"reason":         reason,
			"replacement_id": keepDeviceID,
		})
	}
	return ids, nil
}

// Activate creates or reclaims the device row and marks it active. Callers
// deactivate the student's other devices first.
func (r *Registry) Activate(ctx context.Context, tx repository.Tx, trail *audit.Trail, studentID, deviceID string, meta model.DeviceMetadata, details map[string]any, at time.Time) (model.Device, error) {
	device, err := tx.UpsertActiveDevice(ctx, studentID, deviceID, meta, at)
	switch {
	case errors.Is(err, repository.ErrDeviceOwnedElsewhere):
		return model.Device{}, apperr.New(apperr.ErrDeviceConflict, "device is active for another student")
	case err != nil:
		return model.Device{}, apperr.Internal(err)
	}
	trail.Add(studentID, deviceID, model.ActivityDeviceActivated, details)
	return device, nil
}

// Touch refreshes last-seen only.
func (r *Registry) Touch(ctx context.Context, tx repository.Tx, studentID, deviceID string, at time.Time) error {
	err := tx.TouchDevice(ctx, studentID, deviceID, at)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("device")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Deactivate switches off one device. It reports false when the device was
// already inactive.
func (r *Registry) Deactivate(ctx context.Context, tx repository.Tx, trail *audit.Trail, studentID, deviceID string, details map[string]any, at time.Time) (bool, error) {
	changed, err := tx.DeactivateDevice(ctx, studentID, deviceID, at)
	if errors.Is(err, repository.ErrNotFound) {
		return false, apperr.NotFound("device")
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	if changed {
		trail.Add(studentID, deviceID, model.ActivityDeviceDeactivated, details)
	}
	return changed, nil
}
