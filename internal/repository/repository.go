package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a pending switch request already exists
	// for the same (student, new device) pair.
	ErrDuplicate = errors.New("duplicate")
	// ErrDeviceOwnedElsewhere is returned when a device id is active for a
	// different student.
	ErrDeviceOwnedElsewhere = errors.New("device owned by another student")
)

type SwitchRequestFilter struct {
	Status    model.SwitchStatus
	StudentID string
	Limit     int
	Offset    int
}

// Store is the read side plus the per-student transaction entry point.
// Every mutation of a student's devices or switch requests happens inside
// WithStudentTx, which serialises concurrent callers for the same student.
type Store interface {
	GetStudentByID(ctx context.Context, id string) (model.Student, error)
	GetStudentByEmail(ctx context.Context, email string) (model.Student, error)
	GetStudentByCode(ctx context.Context, code string) (model.Student, error)

	GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	ListDevices(ctx context.Context, studentID string) ([]model.Device, error)

	GetSwitchRequest(ctx context.Context, id string) (model.SwitchRequest, error)
	ListSwitchRequests(ctx context.Context, filter SwitchRequestFilter) ([]model.SwitchRequest, error)
	ListStalePending(ctx context.Context, requestedBefore time.Time, limit int) ([]model.SwitchRequest, error)

	AppendActivity(ctx context.Context, entry model.ActivityLogEntry) error
	ListActivity(ctx context.Context, studentID string, limit int) ([]model.ActivityLogEntry, error)

	WithStudentTx(ctx context.Context, studentID string, fn func(Tx) error) error
	// ReadStudent runs fn against a consistent read-only view of the
	// student's rows. Database-backed stores read a snapshot without the
	// student row lock, so reads never queue behind logins. Writes through
	// the Tx fail.
	ReadStudent(ctx context.Context, studentID string, fn func(Tx) error) error
}

// Tx is scoped to one locked student. Returning an error from the callback
// rolls back every write made through it.
type Tx interface {
	FindActiveDevice(ctx context.Context, studentID string) (model.Device, error)
	FindDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	CountDevices(ctx context.Context, studentID string) (int, error)
	// DeactivateDevicesExcept returns the device ids it switched off.
	DeactivateDevicesExcept(ctx context.Context, studentID, keepDeviceID string, at time.Time) ([]string, error)
	// UpsertActiveDevice inserts or claims the device for studentID and marks
	// it active. Claiming fails with ErrDeviceOwnedElsewhere while the device
	// is active for someone else.
	UpsertActiveDevice(ctx context.Context, studentID, deviceID string, meta model.DeviceMetadata, at time.Time) (model.Device, error)
	TouchDevice(ctx context.Context, studentID, deviceID string, at time.Time) error
	DeactivateDevice(ctx context.Context, studentID, deviceID string, at time.Time) (bool, error)

	GetSwitchRequest(ctx context.Context, id string) (model.SwitchRequest, error)
	FindOpenSwitchRequest(ctx context.Context, studentID, newDeviceID string) (model.SwitchRequest, error)
	ListOpenSwitchRequests(ctx context.Context, studentID string) ([]model.SwitchRequest, error)
	InsertSwitchRequest(ctx context.Context, req model.SwitchRequest) error
	UpdateSwitchRequest(ctx context.Context, req model.SwitchRequest) error
}
