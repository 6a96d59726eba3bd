package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/database"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/monitoring"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// allocRetries bounds how often a ticket insert is retried when a concurrent
// allocation for the same doctor/day wins the sequence number race.
const allocRetries = 3

const ticketColumns = `id, patient_id, patient_name, patient_contact, doctor_id,
		   to_char(day, 'YYYY-MM-DD'), sequence_number, scheduled_time, status,
		   created_at, updated_at`

// Repository implements ticket storage on PostgreSQL
type Repository struct {
	db      *database.DB
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

// NewRepository creates a new ticket repository
func NewRepository(db *database.DB, log *logger.Logger, metrics *monitoring.MetricsCollector) *Repository {
	return &Repository{
		db:      db,
		logger:  log,
		metrics: metrics,
	}
}

// CreateTicket inserts a new WAITING ticket, allocating the next sequence
// number for its doctor/day inside the same transaction. The read-then-insert
// is serialized against concurrent allocations by the row lock on the current
// maximum; when two inserts race on an empty scope the unique constraint
// rejects the loser and the allocation is retried.
func (r *Repository) CreateTicket(ctx context.Context, t *types.Ticket) error {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < allocRetries; attempt++ {
		err := r.db.WithinTx(ctx, func(tx *sql.Tx) error {
			seq, err := r.nextSequenceNumber(tx, t.DoctorID, t.Day)
			if err != nil {
				return err
			}
			t.SequenceNumber = seq

			query := `
				INSERT INTO tickets (
					id, patient_id, patient_name, patient_contact, doctor_id, day,
					sequence_number, scheduled_time, status
				) VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9)`

			_, err = tx.ExecContext(ctx, query,
				t.ID,
				t.PatientID,
				t.PatientName,
				t.PatientContact,
				t.DoctorID,
				t.Day,
				t.SequenceNumber,
				t.ScheduledTime,
				t.Status,
			)
			return err
		})
		if err == nil {
			r.metrics.RecordDBQuery("insert_ticket", time.Since(start))
			r.logger.WithRoom(t.DoctorID, t.Day).Infof("Created ticket %s with sequence number %d", t.ID, t.SequenceNumber)
			return nil
		}

		lastErr = err
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			r.logger.WithRoom(t.DoctorID, t.Day).Warnf("Sequence number collision on attempt %d, retrying", attempt+1)
			continue
		}
		break
	}

	r.logger.WithError(lastErr).Error("Failed to create ticket")
	return fmt.Errorf("failed to create ticket: %w", lastErr)
}

// nextSequenceNumber returns 1 + max(sequence numbers) for the doctor/day,
// locking the current maximum row so concurrent allocations serialize.
// Cancelled tickets keep their numbers, so retired numbers stay retired.
func (r *Repository) nextSequenceNumber(tx *sql.Tx, doctorID, day string) (int, error) {
	query := `
		SELECT sequence_number FROM tickets
		WHERE doctor_id = $1 AND day = $2::date
		ORDER BY sequence_number DESC
		LIMIT 1
		FOR UPDATE`

	var max int
	err := tx.QueryRow(query, doctorID, day).Scan(&max)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	return max + 1, nil
}

// GetTicketByID retrieves a ticket by ID without locking
func (r *Repository) GetTicketByID(ctx context.Context, id string) (*types.Ticket, error) {
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE id = $1`, ticketColumns)

	start := time.Now()
	t, err := r.scanTicket(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.NewNotFoundError(fmt.Sprintf("ticket not found: %s", id))
		}
		r.logger.WithError(err).Errorf("Failed to get ticket %s", id)
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	r.metrics.RecordDBQuery("select_ticket", time.Since(start))

	return t, nil
}

// LockTicket selects a ticket FOR UPDATE inside tx. The row lock is held
// until the transaction commits or rolls back.
func (r *Repository) LockTicket(tx *sql.Tx, id string) (*types.Ticket, error) {
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE id = $1 FOR UPDATE`, ticketColumns)

	t, err := r.scanTicket(tx.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.NewNotFoundError(fmt.Sprintf("ticket not found: %s", id))
		}
		return nil, fmt.Errorf("failed to lock ticket: %w", err)
	}

	return t, nil
}

// LockFirstWaiting locks and returns the WAITING ticket with the smallest
// sequence number for the doctor/day, or nil when the waiting queue is empty.
func (r *Repository) LockFirstWaiting(tx *sql.Tx, doctorID, day string) (*types.Ticket, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tickets
		WHERE doctor_id = $1 AND day = $2::date AND status = $3
		ORDER BY sequence_number ASC
		LIMIT 1
		FOR UPDATE`, ticketColumns)

	t, err := r.scanTicket(tx.QueryRow(query, doctorID, day, types.StatusWaiting))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock first waiting ticket: %w", err)
	}

	return t, nil
}

// FindInProgress returns the ticket currently IN_PROGRESS for the doctor/day
// excluding excludeID, or nil when no exam is running. Called inside the
// mutating transaction so the check observes committed state under the lock.
func (r *Repository) FindInProgress(tx *sql.Tx, doctorID, day, excludeID string) (*types.Ticket, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tickets
		WHERE doctor_id = $1 AND day = $2::date AND status = $3 AND id != $4
		LIMIT 1`, ticketColumns)

	t, err := r.scanTicket(tx.QueryRow(query, doctorID, day, types.StatusInProgress, excludeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check for in-progress ticket: %w", err)
	}

	return t, nil
}

// UpdateStatus flips a ticket's status inside tx
func (r *Repository) UpdateStatus(tx *sql.Tx, id string, status types.TicketStatus) error {
	query := `UPDATE tickets SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := tx.Exec(query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update ticket status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return types.NewNotFoundError(fmt.Sprintf("ticket not found: %s", id))
	}

	return nil
}

// ListLiveTickets returns all non-cancelled tickets for the doctor/day
// ordered ascending by sequence number. Takes no locks; always observes the
// latest committed state.
func (r *Repository) ListLiveTickets(ctx context.Context, doctorID, day string) ([]*types.Ticket, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tickets
		WHERE doctor_id = $1 AND day = $2::date AND status != $3
		ORDER BY sequence_number ASC`, ticketColumns)

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, doctorID, day, types.StatusCancelled)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list live tickets")
		return nil, fmt.Errorf("failed to list live tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*types.Ticket
	for rows.Next() {
		t, err := r.scanTicket(rows)
		if err != nil {
			r.logger.WithError(err).Error("Failed to scan ticket")
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}

	r.metrics.RecordDBQuery("select_live_tickets", time.Since(start))
	return tickets, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTicket scans one ticket row in ticketColumns order
func (r *Repository) scanTicket(row rowScanner) (*types.Ticket, error) {
	t := &types.Ticket{}
	err := row.Scan(
		&t.ID,
		&t.PatientID,
		&t.PatientName,
		&t.PatientContact,
		&t.DoctorID,
		&t.Day,
		&t.SequenceNumber,
		&t.ScheduledTime,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
