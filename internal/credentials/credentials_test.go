package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/crypto"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository/memory"
)

type brokenLookup struct{}

func (brokenLookup) GetStudentByEmail(context.Context, string) (model.Student, error) {
	return model.Student{}, errors.New("connection refused")
}

func TestVerify(t *testing.T) {
	hash, err := crypto.HashPassword("correct horse")
	require.NoError(t, err)
	store := memory.New()
	active := store.AddStudent(model.Student{Code: "CS1", Email: "asha@college.edu", PasswordHash: hash, Active: true})
	store.AddStudent(model.Student{Code: "CS2", Email: "gone@college.edu", PasswordHash: hash, Active: false})

	v, err := NewVerifier(store)
	require.NoError(t, err)
	ctx := context.Background()

	student, err := v.Verify(ctx, "  ASHA@college.edu", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, active.ID, student.ID)

	cases := map[string][2]string{
		"wrong password":   {"asha@college.edu", "battery staple"},
		"unknown email":    {"nobody@college.edu", "correct horse"},
		"inactive student": {"gone@college.edu", "correct horse"},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, input[0], input[1])
			assert.Equal(t, apperr.ErrInvalidCredentials, apperr.CodeOf(err))
		})
	}

	broken, err := NewVerifier(brokenLookup{})
	require.NoError(t, err)
	_, err = broken.Verify(ctx, "asha@college.edu", "x")
	assert.Equal(t, apperr.ErrServerError, apperr.CodeOf(err))
}
