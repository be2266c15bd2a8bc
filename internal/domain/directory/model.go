// Package directory manages the clinic's user roster: staff and doctor
// accounts, the specialty/department code set, and lazy patient account
// provisioning.
package directory

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("user already exists")
)

// User is a clinic account. Doctors carry a specialty; patients are
// provisioned lazily keyed on email.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FullName     string     `json:"full_name"`
	Phone        *string    `json:"phone,omitempty"`
	Role         string     `json:"role"`
	Specialty    *string    `json:"specialty,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// GeneralPractice doctors are eligible for every department.
const GeneralPractice = "GENERAL_PRACTICE"

// Specialties maps specialty codes to display names. Departments use the
// same code set.
var Specialties = map[string]string{
	"CARDIOLOGY":         "Cardiology",
	"NEUROLOGY":          "Neurology",
	"DERMATOLOGY":        "Dermatology",
	"ORTHOPEDICS":        "Orthopedics",
	"PEDIATRICS":         "Pediatrics",
	"GYNECOLOGY":         "Gynecology",
	"INTERNAL_MEDICINE":  "Internal Medicine",
	"SURGERY":            "Surgery",
	"ONCOLOGY":           "Oncology",
	"PSYCHIATRY":         "Psychiatry",
	"OPHTHALMOLOGY":      "Ophthalmology",
	"ENT":                "Ear, Nose and Throat",
	"UROLOGY":            "Urology",
	"GASTROENTEROLOGY":   "Gastroenterology",
	"PULMONOLOGY":        "Pulmonology",
	"ENDOCRINOLOGY":      "Endocrinology",
	"NEPHROLOGY":         "Nephrology",
	"RHEUMATOLOGY":       "Rheumatology",
	"RADIOLOGY":          "Radiology",
	"ANESTHESIOLOGY":     "Anesthesiology",
	"EMERGENCY_MEDICINE": "Emergency Medicine",
	GeneralPractice:      "General Practice",
}

// ValidDepartment reports whether code is a known department code.
func ValidDepartment(code string) bool {
	_, ok := Specialties[code]
	return ok
}

// Department is a code/display pair for the public departments listing.
type Department struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}
