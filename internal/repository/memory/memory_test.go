package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
)

func seed(t *testing.T) (*Store, model.Student) {
	t.Helper()
	store := New()
	st := store.AddStudent(model.Student{Code: "CS2021001", Email: "asha@college.edu", Active: true})
	return store, st
}

func TestWithStudentTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store, st := seed(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		_, err := tx.UpsertActiveDevice(ctx, st.ID, "D1", model.DeviceMetadata{Name: "Pixel"}, now)
		return err
	}))

	boom := errors.New("boom")
	err := store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		if _, err := tx.DeactivateDevicesExcept(ctx, st.ID, "D2", now); err != nil {
			return err
		}
		if _, err := tx.UpsertActiveDevice(ctx, st.ID, "D2", model.DeviceMetadata{}, now); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	d1, err := store.GetDeviceByDeviceID(ctx, "D1")
	require.NoError(t, err)
	assert.True(t, d1.Active)
	_, err = store.GetDeviceByDeviceID(ctx, "D2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 1, store.ActiveDeviceCount(st.ID))
}

func TestUpsertRequiresDeactivationFirst(t *testing.T) {
	ctx := context.Background()
	store, st := seed(t)
	now := time.Now().UTC()

	err := store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		if _, err := tx.UpsertActiveDevice(ctx, st.ID, "D1", model.DeviceMetadata{}, now); err != nil {
			return err
		}
		_, err := tx.UpsertActiveDevice(ctx, st.ID, "D2", model.DeviceMetadata{}, now)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.Equal(t, 0, store.ActiveDeviceCount(st.ID))
}

func TestUpsertRefusesDeviceActiveElsewhere(t *testing.T) {
	ctx := context.Background()
	store, st := seed(t)
	other := store.AddStudent(model.Student{Code: "CS2021002", Email: "ravi@college.edu"})
	now := time.Now().UTC()

	require.NoError(t, store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		_, err := tx.UpsertActiveDevice(ctx, st.ID, "D1", model.DeviceMetadata{}, now)
		return err
	}))
	err := store.WithStudentTx(ctx, other.ID, func(tx repository.Tx) error {
		_, err := tx.UpsertActiveDevice(ctx, other.ID, "D1", model.DeviceMetadata{}, now)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrDeviceOwnedElsewhere)
}

func TestInsertSwitchRequestRejectsDuplicatePending(t *testing.T) {
	ctx := context.Background()
	store, st := seed(t)
	now := time.Now().UTC()
	req := model.SwitchRequest{ID: "r1", StudentID: st.ID, NewDeviceID: "D2", Status: model.SwitchPending, RequestedAt: now}

	require.NoError(t, store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		return tx.InsertSwitchRequest(ctx, req)
	}))
	err := store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		dup := req
		dup.ID = "r2"
		return tx.InsertSwitchRequest(ctx, dup)
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	open, err := func() (model.SwitchRequest, error) {
		var found model.SwitchRequest
		err := store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
			var err error
			found, err = tx.FindOpenSwitchRequest(ctx, st.ID, "D2")
			return err
		})
		return found, err
	}()
	require.NoError(t, err)
	assert.Equal(t, "r1", open.ID)
}

func TestListSwitchRequestsFilters(t *testing.T) {
	ctx := context.Background()
	store, st := seed(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		for i, status := range []model.SwitchStatus{model.SwitchPending, model.SwitchRejected, model.SwitchPending} {
			req := model.SwitchRequest{
				ID:          string(rune('a' + i)),
				StudentID:   st.ID,
				NewDeviceID: string(rune('A' + i)),
				Status:      status,
				RequestedAt: base.Add(time.Duration(i) * time.Hour),
			}
			if err := tx.InsertSwitchRequest(ctx, req); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := store.ListSwitchRequests(ctx, repository.SwitchRequestFilter{Status: model.SwitchPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c", pending[0].ID)

	stale, err := store.ListStalePending(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)
}

func TestWithStudentTxUnknownStudent(t *testing.T) {
	store := New()
	err := store.WithStudentTx(context.Background(), "missing", func(repository.Tx) error { return nil })
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReadStudentRefusesWrites(t *testing.T) {
	ctx := context.Background()
	store, st := seed(t)
	now := time.Now().UTC()

	require.NoError(t, store.WithStudentTx(ctx, st.ID, func(tx repository.Tx) error {
		_, err := tx.UpsertActiveDevice(ctx, st.ID, "D1", model.DeviceMetadata{}, now)
		return err
	}))

	err := store.ReadStudent(ctx, st.ID, func(tx repository.Tx) error {
		device, err := tx.FindActiveDevice(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, "D1", device.DeviceID)
		_, err = tx.DeactivateDevicesExcept(ctx, st.ID, "D2", now)
		return err
	})
	assert.ErrorIs(t, err, errReadOnly)
	assert.Equal(t, 1, store.ActiveDeviceCount(st.ID))

	err = store.ReadStudent(ctx, "missing", func(repository.Tx) error { return nil })
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
