// Package credentials checks a student's email and password.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/crypto"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/repository"
)

type StudentLookup interface {
	GetStudentByEmail(ctx context.Context, email string) (model.Student, error)
}

type Verifier struct {
	students StudentLookup
	// dummyHash is compared against when the email is unknown so both
	// failure paths cost one bcrypt comparison.
	dummyHash string
}

func NewVerifier(students StudentLookup) (*Verifier, error) {
	dummy, err := crypto.HashPassword("intelliattend-unknown-student")
	if err != nil {
		return nil, err
	}
	return &Verifier{students: students, dummyHash: dummy}, nil
}

// Verify never discloses whether the email or the password was wrong.
func (v *Verifier) Verify(ctx context.Context, email, password string) (model.Student, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	student, err := v.students.GetStudentByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = crypto.CheckPassword(v.dummyHash, password)
			return model.Student{}, apperr.New(apperr.ErrInvalidCredentials, "invalid email or password")
		}
		return model.Student{}, apperr.Internal(err)
	}
	if err := crypto.CheckPassword(student.PasswordHash, password); err != nil {
		return student, apperr.New(apperr.ErrInvalidCredentials, "invalid email or password")
	}
	if !student.Active {
		return student, apperr.New(apperr.ErrInvalidCredentials, "invalid email or password")
	}
	return student, nil
}
