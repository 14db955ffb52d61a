// Package memory is an in-process implementation of repository.Store used
// by tests and single-instance development runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
)

type Store struct {
	mu       sync.RWMutex
	students map[string]model.Student
	devices  map[string]model.Device // keyed by client device id
	requests map[string]model.SwitchRequest
	activity []model.ActivityLogEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		students: make(map[string]model.Student),
		devices:  make(map[string]model.Device),
		requests: make(map[string]model.SwitchRequest),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Store) AddStudent(st model.Student) model.Student {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.students[st.ID] = st
	s.mu.Unlock()
	return st
}

func (s *Store) GetStudentByID(_ context.Context, id string) (model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[id]
	if !ok {
		return model.Student{}, repository.ErrNotFound
	}
	return st, nil
}

func (s *Store) GetStudentByEmail(_ context.Context, email string) (model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.students {
		if strings.EqualFold(st.Email, email) {
			return st, nil
		}
	}
	return model.Student{}, repository.ErrNotFound
}

func (s *Store) GetStudentByCode(_ context.Context, code string) (model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.students {
		if st.Code == code {
			return st, nil
		}
	}
	return model.Student{}, repository.ErrNotFound
}

func (s *Store) GetDeviceByDeviceID(_ context.Context, deviceID string) (model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return model.Device{}, repository.ErrNotFound
	}
	return device, nil
}

func (s *Store) ListDevices(_ context.Context, studentID string) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Device
	for _, device := range s.devices {
		if device.StudentID == studentID {
			out = append(out, device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActiveDeviceCount exposes the single-active-device invariant to tests.
func (s *Store) ActiveDeviceCount(studentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, device := range s.devices {
		if device.StudentID == studentID && device.Active {
			count++
		}
	}
	return count
}

func (s *Store) GetSwitchRequest(_ context.Context, id string) (model.SwitchRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return model.SwitchRequest{}, repository.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) ListSwitchRequests(_ context.Context, filter repository.SwitchRequestFilter) ([]model.SwitchRequest, error) {
	s.mu.RLock()
	var out []model.SwitchRequest
	for _, req := range s.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.StudentID != "" && req.StudentID != filter.StudentID {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) ListStalePending(_ context.Context, requestedBefore time.Time, limit int) ([]model.SwitchRequest, error) {
	s.mu.RLock()
	var out []model.SwitchRequest
	for _, req := range s.requests {
		if req.Status == model.SwitchPending && !req.RequestedAt.After(requestedBefore) {
			out = append(out, cloneRequest(req))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return page(out, 0, limit), nil
}

func (s *Store) AppendActivity(_ context.Context, entry model.ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.activity = append(s.activity, entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListActivity(_ context.Context, studentID string, limit int) ([]model.ActivityLogEntry, error) {
	s.mu.RLock()
	var out []model.ActivityLogEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		if s.activity[i].StudentID == studentID {
			out = append(out, s.activity[i])
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, 0, limit), nil
}

func (s *Store) WithStudentTx(ctx context.Context, studentID string, fn func(repository.Tx) error) error {
	if _, err := s.GetStudentByID(ctx, studentID); err != nil {
		return err
	}
	lock := s.studentLock(studentID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// ReadStudent takes the student lock like WithStudentTx: writes go straight
// to the maps, so there is no committed snapshot to read without it. The
// Tx refuses writes.
func (s *Store) ReadStudent(ctx context.Context, studentID string, fn func(repository.Tx) error) error {
	if _, err := s.GetStudentByID(ctx, studentID); err != nil {
		return err
	}
	lock := s.studentLock(studentID)
	lock.Lock()
	defer lock.Unlock()
	return fn(readOnlyTx{memTx: &memTx{store: s}})
}

var errReadOnly = errors.New("read-only transaction")

type readOnlyTx struct {
	*memTx
}

func (readOnlyTx) DeactivateDevicesExcept(context.Context, string, string, time.Time) ([]string, error) {
	return nil, errReadOnly
}

func (readOnlyTx) UpsertActiveDevice(context.Context, string, string, model.DeviceMetadata, time.Time) (model.Device, error) {
	return model.Device{}, errReadOnly
}

func (readOnlyTx) TouchDevice(context.Context, string, string, time.Time) error {
	return errReadOnly
}

func (readOnlyTx) DeactivateDevice(context.Context, string, string, time.Time) (bool, error) {
	return false, errReadOnly
}

func (readOnlyTx) InsertSwitchRequest(context.Context, model.SwitchRequest) error {
	return errReadOnly
}

func (readOnlyTx) UpdateSwitchRequest(context.Context, model.SwitchRequest) error {
	return errReadOnly
}

func (s *Store) studentLock(studentID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[studentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[studentID] = lock
	}
	return lock
}

// memTx writes through to the store and keeps an undo log so a failing
// callback leaves no trace.
type memTx struct {
	store *Store
	undo  []func()
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// saveDevice must be called with store.mu held.
func (t *memTx) saveDevice(device model.Device) {
	prev, existed := t.store.devices[device.DeviceID]
	t.undo = append(t.undo, func() {
		if existed {
			t.store.devices[device.DeviceID] = prev
		} else {
			delete(t.store.devices, device.DeviceID)
		}
	})
	t.store.devices[device.DeviceID] = device
}

// saveRequest must be called with store.mu held.
func (t *memTx) saveRequest(req model.SwitchRequest) {
	prev, existed := t.store.requests[req.ID]
	t.undo = append(t.undo, func() {
		if existed {
			t.store.requests[req.ID] = prev
		} else {
			delete(t.store.requests, req.ID)
		}
	})
	t.store.requests[req.ID] = cloneRequest(req)
}

func (t *memTx) FindActiveDevice(_ context.Context, studentID string) (model.Device, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, device := range t.store.devices {
		if device.StudentID == studentID && device.Active {
			return device, nil
		}
	}
	return model.Device{}, repository.ErrNotFound
}

func (t *memTx) FindDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	return t.store.GetDeviceByDeviceID(ctx, deviceID)
}

func (t *memTx) CountDevices(_ context.Context, studentID string) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	count := 0
	for _, device := range t.store.devices {
		if device.StudentID == studentID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) DeactivateDevicesExcept(_ context.Context, studentID, keepDeviceID string, at time.Time) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var ids []string
	for _, device := range t.store.devices {
		if device.StudentID != studentID || !device.Active || device.DeviceID == keepDeviceID {
			continue
		}
		device.Active = false
		device.DeactivatedAt = timePtr(at)
		t.saveDevice(device)
		ids = append(ids, device.DeviceID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) UpsertActiveDevice(_ context.Context, studentID, deviceID string, meta model.DeviceMetadata, at time.Time) (model.Device, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	device, ok := t.store.devices[deviceID]
	if ok && device.StudentID != studentID && device.Active {
		return model.Device{}, repository.ErrDeviceOwnedElsewhere
	}
	for _, other := range t.store.devices {
		if other.StudentID == studentID && other.Active && other.DeviceID != deviceID {
			return model.Device{}, repository.ErrDuplicate
		}
	}
	if !ok {
		device = model.Device{ID: uuid.NewString(), DeviceID: deviceID, CreatedAt: at}
	}
	device.StudentID = studentID
	device.Metadata = meta
	device.Active = true
	device.ActivatedAt = timePtr(at)
	device.LastSeenAt = timePtr(at)
	device.DeactivatedAt = nil
	t.saveDevice(device)
	return device, nil
}

func (t *memTx) TouchDevice(_ context.Context, studentID, deviceID string, at time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	device, ok := t.store.devices[deviceID]
	if !ok || device.StudentID != studentID {
		return repository.ErrNotFound
	}
	device.LastSeenAt = timePtr(at)
	t.saveDevice(device)
	return nil
}

func (t *memTx) DeactivateDevice(_ context.Context, studentID, deviceID string, at time.Time) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	device, ok := t.store.devices[deviceID]
	if !ok || device.StudentID != studentID {
		return false, repository.ErrNotFound
	}
	if !device.Active {
		return false, nil
	}
	device.Active = false
	device.DeactivatedAt = timePtr(at)
	t.saveDevice(device)
	return true, nil
}

func (t *memTx) GetSwitchRequest(ctx context.Context, id string) (model.SwitchRequest, error) {
	return t.store.GetSwitchRequest(ctx, id)
}

func (t *memTx) FindOpenSwitchRequest(_ context.Context, studentID, newDeviceID string) (model.SwitchRequest, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var (
		found model.SwitchRequest
		ok    bool
	)
	for _, req := range t.store.requests {
		if req.StudentID != studentID || req.NewDeviceID != newDeviceID || !req.Open() {
			continue
		}
		if !ok || req.RequestedAt.After(found.RequestedAt) {
			found, ok = req, true
		}
	}
	if !ok {
		return model.SwitchRequest{}, repository.ErrNotFound
	}
	return cloneRequest(found), nil
}

func (t *memTx) ListOpenSwitchRequests(_ context.Context, studentID string) ([]model.SwitchRequest, error) {
	t.store.mu.RLock()
	var out []model.SwitchRequest
	for _, req := range t.store.requests {
		if req.StudentID == studentID && req.Open() {
			out = append(out, cloneRequest(req))
		}
	}
	t.store.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (t *memTx) InsertSwitchRequest(_ context.Context, req model.SwitchRequest) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.requests[req.ID]; exists {
		return repository.ErrDuplicate
	}
	if req.Status == model.SwitchPending {
		for _, other := range t.store.requests {
			if other.StudentID == req.StudentID && other.NewDeviceID == req.NewDeviceID && other.Status == model.SwitchPending {
				return repository.ErrDuplicate
			}
		}
	}
	t.saveRequest(req)
	return nil
}

func (t *memTx) UpdateSwitchRequest(_ context.Context, req model.SwitchRequest) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.requests[req.ID]; !exists {
		return repository.ErrNotFound
	}
	t.saveRequest(req)
	return nil
}

func cloneRequest(req model.SwitchRequest) model.SwitchRequest {
	if req.AdditionalInfo != nil {
		info := make(map[string]any, len(req.AdditionalInfo))
		for k, v := range req.AdditionalInfo {
			info[k] = v
		}
		req.AdditionalInfo = info
	}
	return req
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func timePtr(t time.Time) *time.Time {
	return &t
}

var _ repository.Store = (*Store)(nil)
