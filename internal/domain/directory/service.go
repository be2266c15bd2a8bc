package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type Service struct {
	users           UserRepository
	logger          zerolog.Logger
	defaultPassword string
}

func NewService(users UserRepository, logger zerolog.Logger, defaultPassword string) *Service {
	return &Service{users: users, logger: logger, defaultPassword: defaultPassword}
}

func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// Eligible reports whether a doctor can serve the given department: matching
// specialty, general practice, or no specialty recorded.
func Eligible(doctor *User, department string) bool {
	if doctor.Specialty == nil || *doctor.Specialty == "" {
		return true
	}
	return *doctor.Specialty == department || *doctor.Specialty == GeneralPractice
}

// EligibleDoctors returns the active doctors who can serve the department.
// An empty result is a valid answer, not an error.
func (s *Service) EligibleDoctors(ctx context.Context, department string) ([]*User, error) {
	doctors, err := s.users.ListDoctors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}

	var eligible []*User
	for _, d := range doctors {
		if Eligible(d, department) {
			eligible = append(eligible, d)
		}
	}
	return eligible, nil
}

// ListDoctors returns the full active doctor roster.
func (s *Service) ListDoctors(ctx context.Context) ([]*User, error) {
	return s.users.ListDoctors(ctx)
}

// EnsureAccount provisions a patient account for the given email if none
// exists. Lookup is case-insensitive; a concurrent duplicate insert is
// treated as the account already existing. Returns the account and whether
// it was created by this call.
func (s *Service) EnsureAccount(ctx context.Context, email, fullName, phone string) (*User, bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, false, fmt.Errorf("email is required")
	}

	existing, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("find user by email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Username:     email,
		Email:        email,
		PasswordHash: string(hash),
		FullName:     fullName,
		Role:         "PATIENT",
		Active:       true,
	}
	if phone != "" {
		u.Phone = &phone
	}

	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost the race to a concurrent insert; the account exists now.
			existing, err := s.users.FindByEmail(ctx, email)
			if err != nil {
				return nil, false, fmt.Errorf("find user after duplicate insert: %w", err)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info().Int64("user_id", u.ID).Str("email", email).Msg("patient account provisioned")
	return u, true, nil
}

// Departments returns the department code set sorted by display name.
func Departments() []Department {
	out := make([]Department, 0, len(Specialties))
	for code, display := range Specialties {
		out = append(out, Department{Code: code, Display: display})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Display < out[j].Display })
	return out
}
