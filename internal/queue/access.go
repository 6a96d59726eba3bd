package queue

import (
	"context"
	"fmt"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// AccessPolicy maps a caller's identity and role to the queue rooms and
// operations they may use. It gates room admission and operation invocation
// only; broadcast payloads are identical for every role in a room.
type AccessPolicy struct {
	repo   *Repository
	logger *logger.Logger
}

// NewAccessPolicy creates a new access policy
func NewAccessPolicy(repo *Repository, log *logger.Logger) *AccessPolicy {
	return &AccessPolicy{
		repo:   repo,
		logger: log,
	}
}

// AuthorizeJoin decides whether the caller may join the (doctor, day) room.
// Staff and administrators may join any room; doctors only their own;
// patients only the room of a ticket they hold.
func (p *AccessPolicy) AuthorizeJoin(ctx context.Context, caller *types.CallerContext, doctorID, day string) error {
	if caller == nil || caller.Claims == nil {
		return types.NewForbiddenError("missing caller identity")
	}

	claims := caller.Claims
	switch {
	case claims.Role.IsStaff():
		return nil

	case claims.Role == types.RoleDoctor:
		if claims.DoctorID != doctorID {
			p.logger.Security("room_join_denied", claims.UserID, map[string]interface{}{
				"doctor_id": doctorID,
				"day":       day,
			})
			return types.NewForbiddenError("doctors may only join their own queue room")
		}
		return nil

	case claims.Role == types.RolePatient:
		return p.authorizePatientJoin(ctx, caller, doctorID, day)

	default:
		return types.NewForbiddenError(fmt.Sprintf("role %s may not join queue rooms", claims.Role))
	}
}

// authorizePatientJoin verifies the patient holds the ticket they claim and
// that the ticket belongs to the requested room
func (p *AccessPolicy) authorizePatientJoin(ctx context.Context, caller *types.CallerContext, doctorID, day string) error {
	if caller.TicketID == "" {
		return types.NewForbiddenError("patients must supply their ticket to join a queue room")
	}

	ticket, err := p.repo.GetTicketByID(ctx, caller.TicketID)
	if err != nil {
		return err
	}

	if ticket.PatientID != caller.Claims.PatientID {
		p.logger.Security("ticket_ownership_denied", caller.Claims.UserID, map[string]interface{}{
			"doctor_id": doctorID,
			"day":       day,
			"ticket_id": caller.TicketID,
		})
		return types.NewForbiddenError("ticket does not belong to caller")
	}

	if ticket.DoctorID != doctorID || ticket.Day != day {
		return types.NewTicketMismatchError(ticket.ID, doctorID, day)
	}

	return nil
}

// AuthorizeMutation decides whether the caller may invoke a transition
// operation on the doctor's queue. Patients never may; doctors only on
// their own queue.
func (p *AccessPolicy) AuthorizeMutation(caller *types.CallerContext, doctorID string) error {
	if caller == nil || caller.Claims == nil {
		return types.NewForbiddenError("missing caller identity")
	}

	claims := caller.Claims
	switch {
	case claims.Role.IsStaff():
		return nil

	case claims.Role == types.RoleDoctor:
		if claims.DoctorID != doctorID {
			return types.NewForbiddenError("doctors may only operate their own queue")
		}
		return nil

	default:
		return types.NewForbiddenError(fmt.Sprintf("role %s may not invoke queue operations", claims.Role))
	}
}
