package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/config"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/database"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/monitoring"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

func setupTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	log := logger.New("debug")
	db := database.NewFromSQL(sqlDB, log)
	metrics := monitoring.NewMetricsCollector("queue-test")
	repo := NewRepository(db, log, metrics)

	svc := &Service{
		config:  &config.Config{},
		logger:  log,
		db:      db,
		repo:    repo,
		engine:  NewEngine(db, repo, log),
		hub:     NewHub(nil, log, metrics),
		access:  NewAccessPolicy(repo, log),
		tokens:  NewTokenValidator("test-secret-key", "clinic-queue", time.Hour),
		metrics: metrics,
	}

	cleanup := func() {
		sqlDB.Close()
	}

	return svc, mock, cleanup
}

func expectListLiveTickets(mock sqlmock.Sqlmock, doctorID, day string, tickets ...*types.Ticket) {
	rows := sqlmock.NewRows(ticketColumnNames())
	for _, tk := range tickets {
		addTicketRow(rows, tk)
	}
	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs(doctorID, day, types.StatusCancelled).
		WillReturnRows(rows)
}

func TestService_CallNext_BroadcastsFreshSnapshot(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	waiting := testTicket(types.StatusWaiting, 1)
	sub := svc.hub.Join(waiting.DoctorID, waiting.Day)
	defer sub.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs(waiting.DoctorID, waiting.Day, types.StatusWaiting).
		WillReturnRows(addTicketRow(sqlmock.NewRows(ticketColumnNames()), waiting))
	expectStatusUpdate(mock, waiting.ID, types.StatusCalled)
	mock.ExpectCommit()

	called := testTicket(types.StatusCalled, 1)
	called.ID = waiting.ID
	expectListLiveTickets(mock, waiting.DoctorID, waiting.Day, called)

	snap, err := svc.CallNext(context.Background(), staffCaller(types.RoleReceptionist), waiting.DoctorID, waiting.Day)
	require.NoError(t, err)
	require.NotNil(t, snap.Current)
	assert.Equal(t, waiting.ID, snap.Current.TicketID)
	assert.Equal(t, types.StatusCalled, snap.Current.Status)

	select {
	case pushed := <-sub.C:
		assert.Equal(t, snap, pushed)
	case <-time.After(time.Second):
		t.Fatal("room member should receive the post-mutation snapshot")
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_CallNext_ForbiddenForPatients(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	snap, err := svc.CallNext(context.Background(), patientCaller("patient-123", "ticket-1"), "doctor-456", "2026-08-29")
	assert.Nil(t, snap)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))

	// No database work happens for a denied caller.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_FailedMutationBroadcastsNothing(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	sub := svc.hub.Join("doctor-456", "2026-08-29")
	defer sub.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs("doctor-456", "2026-08-29", types.StatusWaiting).
		WillReturnRows(sqlmock.NewRows(ticketColumnNames()))
	mock.ExpectRollback()

	snap, err := svc.CallNext(context.Background(), staffCaller(types.RoleReceptionist), "doctor-456", "2026-08-29")
	assert.Nil(t, snap)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNoWaitingTicket, types.ErrorCode(err))

	select {
	case <-sub.C:
		t.Fatal("failed mutation must not broadcast")
	default:
	}
}

func TestService_CreateTicket(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	req := &CreateTicketRequest{
		PatientID:      "patient-123",
		PatientName:    "Jordan Vale",
		PatientContact: "+1-555-0100",
		DoctorID:       "doctor-456",
		Day:            "2026-08-29",
		ScheduledTime:  time.Now().Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence_number FROM tickets").
		WithArgs(req.DoctorID, req.Day).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number"}).AddRow(2))
	mock.ExpectExec("INSERT INTO tickets").
		WithArgs(sqlmock.AnyArg(), req.PatientID, req.PatientName, req.PatientContact,
			req.DoctorID, req.Day, 3, req.ScheduledTime, types.StatusWaiting).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created := testTicket(types.StatusWaiting, 3)
	expectListLiveTickets(mock, req.DoctorID, req.Day, created)

	ticket, err := svc.CreateTicket(context.Background(), staffCaller(types.RoleReceptionist), req)
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, 3, ticket.SequenceNumber)
	assert.Equal(t, types.StatusWaiting, ticket.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_Join_PushesInitialSnapshot(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	waiting := testTicket(types.StatusWaiting, 1)
	expectListLiveTickets(mock, waiting.DoctorID, waiting.Day, waiting)

	sub, snap, err := svc.Join(context.Background(), staffCaller(types.RoleReceptionist), waiting.DoctorID, waiting.Day)
	require.NoError(t, err)
	defer sub.Close()

	require.NotNil(t, snap.Next)
	assert.Equal(t, waiting.ID, snap.Next.TicketID)
	assert.Equal(t, 1, svc.hub.MemberCount())
}

func TestService_Join_RegistersBeforeInitialRead(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	waiting := testTicket(types.StatusWaiting, 1)
	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs(waiting.DoctorID, waiting.Day, types.StatusCancelled).
		WillReturnRows(addTicketRow(sqlmock.NewRows(ticketColumnNames()), waiting)).
		WillDelayFor(500 * time.Millisecond)

	type joinResult struct {
		sub  *Subscription
		snap *types.QueueSnapshot
		err  error
	}
	results := make(chan joinResult, 1)
	start := time.Now()
	go func() {
		sub, snap, err := svc.Join(context.Background(), staffCaller(types.RoleReceptionist), waiting.DoctorID, waiting.Day)
		results <- joinResult{sub, snap, err}
	}()

	// Membership must exist while the initial snapshot read is still in
	// flight, so a mutation committing in that window reaches the viewer.
	for svc.hub.MemberCount() == 0 {
		if time.Since(start) > 2*time.Second {
			t.Fatal("viewer was never registered in the room")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Less(t, time.Since(start), 250*time.Millisecond,
		"viewer must be registered before the initial read completes")

	concurrent := &types.QueueSnapshot{DoctorID: waiting.DoctorID, Day: waiting.Day}
	svc.hub.Broadcast(concurrent)

	res := <-results
	require.NoError(t, res.err)
	defer res.sub.Close()
	require.NotNil(t, res.snap.Next)

	select {
	case got := <-res.sub.C:
		assert.Equal(t, concurrent, got)
	case <-time.After(time.Second):
		t.Fatal("broadcast during the initial read must be buffered for the new member")
	}
}

func TestService_Join_SnapshotFailureLeavesRoomEmpty(t *testing.T) {
	svc, mock, cleanup := setupTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs("doctor-456", "2026-08-29", types.StatusCancelled).
		WillReturnError(errors.New("connection reset"))

	sub, snap, err := svc.Join(context.Background(), staffCaller(types.RoleReceptionist), "doctor-456", "2026-08-29")
	assert.Nil(t, sub)
	assert.Nil(t, snap)
	require.Error(t, err)
	assert.Equal(t, 0, svc.hub.MemberCount())
}

func TestService_Join_DeniedBeforeRoomEntry(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()

	sub, snap, err := svc.Join(context.Background(), doctorCaller("doctor-456"), "doctor-999", "2026-08-29")
	assert.Nil(t, sub)
	assert.Nil(t, snap)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeForbidden, types.ErrorCode(err))
	assert.Equal(t, 0, svc.hub.MemberCount())
}

func TestValidateCreateTicket(t *testing.T) {
	valid := CreateTicketRequest{
		PatientID:     "patient-123",
		PatientName:   "Jordan Vale",
		DoctorID:      "doctor-456",
		Day:           "2026-08-29",
		ScheduledTime: time.Now(),
	}

	assert.NoError(t, validateCreateTicket(&valid))

	tests := []struct {
		name   string
		mutate func(r *CreateTicketRequest)
	}{
		{"missing patient ID", func(r *CreateTicketRequest) { r.PatientID = "" }},
		{"missing patient name", func(r *CreateTicketRequest) { r.PatientName = "" }},
		{"missing doctor ID", func(r *CreateTicketRequest) { r.DoctorID = "" }},
		{"malformed day", func(r *CreateTicketRequest) { r.Day = "29-08-2026" }},
		{"empty day", func(r *CreateTicketRequest) { r.Day = "" }},
		{"zero scheduled time", func(r *CreateTicketRequest) { r.ScheduledTime = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := validateCreateTicket(&req)
			require.Error(t, err)
			assert.Equal(t, "INVALID_INPUT", types.ErrorCode(err))
		})
	}
}
