package types

// UserRole represents the role of a caller in the clinic platform
type UserRole string

const (
	RolePatient       UserRole = "patient"
	RoleDoctor        UserRole = "doctor"
	RoleReceptionist  UserRole = "receptionist"
	RoleAdministrator UserRole = "administrator"
)

// IsStaff reports whether the role carries front-desk or administrative privileges
func (r UserRole) IsStaff() bool {
	return r == RoleReceptionist || r == RoleAdministrator
}

// UserClaims represents the validated identity extracted from an access token
type UserClaims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Role     UserRole `json:"role"`

	// DoctorID is set for callers with the doctor role and identifies
	// the queue rooms they own.
	DoctorID string `json:"doctor_id,omitempty"`

	// PatientID is set for callers with the patient role.
	PatientID string `json:"patient_id,omitempty"`
}

// CallerContext carries the caller identity plus the ticket the caller claims
// to hold. TicketID is only meaningful for patient callers and is verified
// against the ticket store before any room is joined.
type CallerContext struct {
	Claims   *UserClaims
	TicketID string
}
