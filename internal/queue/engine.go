package queue

import (
	"context"
	"database/sql"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/database"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// transitions lists the legal edges of the ticket state machine. Start
// additionally accepts SKIPPED as a fast-path source state; that edge is
// checked explicitly in Start and deliberately kept out of this table.
var transitions = map[types.TicketStatus][]types.TicketStatus{
	types.StatusWaiting:    {types.StatusCalled, types.StatusCancelled},
	types.StatusCalled:     {types.StatusInProgress, types.StatusSkipped},
	types.StatusInProgress: {types.StatusDone},
	types.StatusSkipped:    {types.StatusCalled},
}

// canTransition reports whether from→to is a legal edge
func canTransition(from, to types.TicketStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Engine validates and applies ticket state changes. Every operation runs in
// one transaction with row locks on the tickets it reads-then-writes, so
// concurrent mutations for the same doctor/day serialize through the store.
// On failure nothing is mutated.
type Engine struct {
	db     *database.DB
	repo   *Repository
	logger *logger.Logger
}

// NewEngine creates a new transition engine
func NewEngine(db *database.DB, repo *Repository, log *logger.Logger) *Engine {
	return &Engine{
		db:     db,
		repo:   repo,
		logger: log,
	}
}

// CallNext locks the WAITING ticket with the smallest sequence number for
// the doctor/day and transitions it to CALLED. Smallest sequence number is
// the only tie-break, which keeps call order FIFO.
func (e *Engine) CallNext(ctx context.Context, doctorID, day string) (*types.Ticket, error) {
	var called *types.Ticket

	err := e.db.WithinTx(ctx, func(tx *sql.Tx) error {
		t, err := e.repo.LockFirstWaiting(tx, doctorID, day)
		if err != nil {
			return err
		}
		if t == nil {
			return types.NewNoWaitingTicketError(doctorID, day)
		}

		if err := e.repo.UpdateStatus(tx, t.ID, types.StatusCalled); err != nil {
			return err
		}

		t.Status = types.StatusCalled
		called = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithRoom(doctorID, day).Infof("Called ticket %s (sequence %d)", called.ID, called.SequenceNumber)
	return called, nil
}

// Start transitions a CALLED or SKIPPED ticket to IN_PROGRESS, enforcing
// that at most one ticket per doctor/day is in progress. The scoped check
// runs inside the same transaction that applies the change, so two
// concurrent Start calls serialize and the second fails.
func (e *Engine) Start(ctx context.Context, ticketID, doctorID, day string) (*types.Ticket, error) {
	var started *types.Ticket

	err := e.db.WithinTx(ctx, func(tx *sql.Tx) error {
		t, err := e.lockScopedTicket(tx, ticketID, doctorID, day)
		if err != nil {
			return err
		}

		// SKIPPED→IN_PROGRESS is allowed only here, as the call-next
		// fast path for a skipped patient who showed up after all.
		if t.Status != types.StatusCalled && t.Status != types.StatusSkipped {
			return types.NewInvalidTransitionError(t.Status, types.StatusInProgress)
		}

		conflict, err := e.repo.FindInProgress(tx, doctorID, day, t.ID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return types.NewConcurrentExamError(doctorID, day, conflict.ID)
		}

		if err := e.repo.UpdateStatus(tx, t.ID, types.StatusInProgress); err != nil {
			return err
		}

		t.Status = types.StatusInProgress
		started = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithRoom(doctorID, day).Infof("Started exam for ticket %s", started.ID)
	return started, nil
}

// Finish transitions an IN_PROGRESS ticket to DONE
func (e *Engine) Finish(ctx context.Context, ticketID, doctorID, day string) (*types.Ticket, error) {
	return e.applyTransition(ctx, ticketID, doctorID, day, types.StatusDone)
}

// Skip transitions a CALLED ticket to SKIPPED. The ticket stays in the
// queue view and can be recalled.
func (e *Engine) Skip(ctx context.Context, ticketID, doctorID, day string) (*types.Ticket, error) {
	return e.applyTransition(ctx, ticketID, doctorID, day, types.StatusSkipped)
}

// Recall transitions a SKIPPED ticket back to CALLED
func (e *Engine) Recall(ctx context.Context, ticketID, doctorID, day string) (*types.Ticket, error) {
	var recalled *types.Ticket

	err := e.db.WithinTx(ctx, func(tx *sql.Tx) error {
		t, err := e.lockScopedTicket(tx, ticketID, doctorID, day)
		if err != nil {
			return err
		}

		// WAITING→CALLED is CallNext's edge. Recall must not accept it:
		// it would pull an arbitrary waiting ticket ahead of the
		// smallest-sequence selection.
		if t.Status != types.StatusSkipped {
			return types.NewInvalidTransitionError(t.Status, types.StatusCalled)
		}

		if err := e.repo.UpdateStatus(tx, t.ID, types.StatusCalled); err != nil {
			return err
		}

		t.Status = types.StatusCalled
		recalled = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithRoom(doctorID, day).Infof("Recalled ticket %s", recalled.ID)
	return recalled, nil
}

// Cancel transitions a WAITING ticket to CANCELLED. Cancelled tickets are
// retained for audit but excluded from every queue view; their sequence
// numbers stay retired.
func (e *Engine) Cancel(ctx context.Context, ticketID string) (*types.Ticket, error) {
	var cancelled *types.Ticket

	err := e.db.WithinTx(ctx, func(tx *sql.Tx) error {
		t, err := e.repo.LockTicket(tx, ticketID)
		if err != nil {
			return err
		}

		if !canTransition(t.Status, types.StatusCancelled) {
			return types.NewInvalidTransitionError(t.Status, types.StatusCancelled)
		}

		if err := e.repo.UpdateStatus(tx, t.ID, types.StatusCancelled); err != nil {
			return err
		}

		t.Status = types.StatusCancelled
		cancelled = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithRoom(cancelled.DoctorID, cancelled.Day).Infof("Cancelled ticket %s", cancelled.ID)
	return cancelled, nil
}

// applyTransition locks the ticket and applies one generic-table edge
func (e *Engine) applyTransition(ctx context.Context, ticketID, doctorID, day string, to types.TicketStatus) (*types.Ticket, error) {
	var updated *types.Ticket

	err := e.db.WithinTx(ctx, func(tx *sql.Tx) error {
		t, err := e.lockScopedTicket(tx, ticketID, doctorID, day)
		if err != nil {
			return err
		}

		if !canTransition(t.Status, to) {
			return types.NewInvalidTransitionError(t.Status, to)
		}

		if err := e.repo.UpdateStatus(tx, t.ID, to); err != nil {
			return err
		}

		t.Status = to
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithRoom(doctorID, day).Infof("Transitioned ticket %s to %s", updated.ID, to)
	return updated, nil
}

// lockScopedTicket locks a ticket and verifies it belongs to the requested
// doctor/day; a ticket outside the scope is reported as not found
func (e *Engine) lockScopedTicket(tx *sql.Tx, ticketID, doctorID, day string) (*types.Ticket, error) {
	t, err := e.repo.LockTicket(tx, ticketID)
	if err != nil {
		return nil, err
	}

	if t.DoctorID != doctorID || t.Day != day {
		return nil, types.NewNotFoundError("ticket not found in this queue")
	}

	return t, nil
}
