package queue

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/database"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/monitoring"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

func setupTestAccessPolicy(t *testing.T) (*AccessPolicy, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	log := logger.New("debug")
	repo := NewRepository(database.NewFromSQL(sqlDB, log), log, monitoring.NewMetricsCollector("queue-test"))

	cleanup := func() {
		sqlDB.Close()
	}

	return NewAccessPolicy(repo, log), mock, cleanup
}

func staffCaller(role types.UserRole) *types.CallerContext {
	return &types.CallerContext{
		Claims: &types.UserClaims{UserID: "user-1", Username: "staffer", Role: role},
	}
}

func doctorCaller(doctorID string) *types.CallerContext {
	return &types.CallerContext{
		Claims: &types.UserClaims{UserID: "user-2", Username: "doc", Role: types.RoleDoctor, DoctorID: doctorID},
	}
}

func patientCaller(patientID, ticketID string) *types.CallerContext {
	return &types.CallerContext{
		Claims:   &types.UserClaims{UserID: "user-3", Username: "pat", Role: types.RolePatient, PatientID: patientID},
		TicketID: ticketID,
	}
}

func TestAccessPolicy_AuthorizeJoin_Staff(t *testing.T) {
	policy, _, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	for _, role := range []types.UserRole{types.RoleReceptionist, types.RoleAdministrator} {
		err := policy.AuthorizeJoin(context.Background(), staffCaller(role), "doctor-456", "2026-08-29")
		assert.NoError(t, err, "role %s should join any room", role)
	}
}

func TestAccessPolicy_AuthorizeJoin_DoctorOwnRoom(t *testing.T) {
	policy, _, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	err := policy.AuthorizeJoin(context.Background(), doctorCaller("doctor-456"), "doctor-456", "2026-08-29")
	assert.NoError(t, err)
}

func TestAccessPolicy_AuthorizeJoin_DoctorForeignRoom(t *testing.T) {
	policy, _, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	err := policy.AuthorizeJoin(context.Background(), doctorCaller("doctor-456"), "doctor-999", "2026-08-29")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))
}

func TestAccessPolicy_AuthorizeJoin_PatientWithOwnTicket(t *testing.T) {
	policy, mock, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	ticket := testTicket(types.StatusWaiting, 3)

	mock.ExpectQuery("SELECT (.+) FROM tickets WHERE id = \\$1").
		WithArgs(ticket.ID).
		WillReturnRows(addTicketRow(sqlmock.NewRows(ticketColumnNames()), ticket))

	caller := patientCaller(ticket.PatientID, ticket.ID)
	err := policy.AuthorizeJoin(context.Background(), caller, ticket.DoctorID, ticket.Day)
	assert.NoError(t, err)
}

func TestAccessPolicy_AuthorizeJoin_PatientWithoutTicket(t *testing.T) {
	policy, _, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	caller := patientCaller("patient-123", "")
	err := policy.AuthorizeJoin(context.Background(), caller, "doctor-456", "2026-08-29")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))
}

func TestAccessPolicy_AuthorizeJoin_PatientForeignTicket(t *testing.T) {
	policy, mock, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	ticket := testTicket(types.StatusWaiting, 3)

	mock.ExpectQuery("SELECT (.+) FROM tickets WHERE id = \\$1").
		WithArgs(ticket.ID).
		WillReturnRows(addTicketRow(sqlmock.NewRows(ticketColumnNames()), ticket))

	// The ticket exists but belongs to a different patient.
	caller := patientCaller("someone-else", ticket.ID)
	err := policy.AuthorizeJoin(context.Background(), caller, ticket.DoctorID, ticket.Day)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))
}

func TestAccessPolicy_AuthorizeJoin_PatientWrongRoom(t *testing.T) {
	policy, mock, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	ticket := testTicket(types.StatusWaiting, 3)

	mock.ExpectQuery("SELECT (.+) FROM tickets WHERE id = \\$1").
		WithArgs(ticket.ID).
		WillReturnRows(addTicketRow(sqlmock.NewRows(ticketColumnNames()), ticket))

	// Own ticket, but for another doctor's room: distinct error so the
	// client can redirect instead of treating it as denied.
	caller := patientCaller(ticket.PatientID, ticket.ID)
	err := policy.AuthorizeJoin(context.Background(), caller, "doctor-999", ticket.Day)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeTicketMismatch, types.ErrorCode(err))
}

func TestAccessPolicy_AuthorizeJoin_MissingIdentity(t *testing.T) {
	policy, _, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	err := policy.AuthorizeJoin(context.Background(), nil, "doctor-456", "2026-08-29")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))

	err = policy.AuthorizeJoin(context.Background(), &types.CallerContext{}, "doctor-456", "2026-08-29")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))
}

func TestAccessPolicy_AuthorizeMutation(t *testing.T) {
	policy, _, cleanup := setupTestAccessPolicy(t)
	defer cleanup()

	tests := []struct {
		name     string
		caller   *types.CallerContext
		doctorID string
		wantErr  bool
	}{
		{"receptionist any queue", staffCaller(types.RoleReceptionist), "doctor-456", false},
		{"administrator any queue", staffCaller(types.RoleAdministrator), "doctor-456", false},
		{"doctor own queue", doctorCaller("doctor-456"), "doctor-456", false},
		{"doctor foreign queue", doctorCaller("doctor-456"), "doctor-999", true},
		{"patient never", patientCaller("patient-123", "ticket-1"), "doctor-456", true},
		{"missing identity", nil, "doctor-456", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.AuthorizeMutation(tt.caller, tt.doctorID)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
