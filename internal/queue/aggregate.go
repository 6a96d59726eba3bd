package queue

import (
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// BuildSnapshot derives the current/next queue view from the live tickets of
// one doctor/day. Input must be non-cancelled tickets ordered ascending by
// sequence number, the way ListLiveTickets returns them. The function is
// pure: it never mutates ticket state and is safe to call for polling as
// well as post-mutation refresh.
func BuildSnapshot(doctorID, day string, tickets []*types.Ticket) *types.QueueSnapshot {
	snap := &types.QueueSnapshot{
		DoctorID:        doctorID,
		Day:             day,
		Waiting:         []types.TicketView{},
		CalledOrSkipped: []types.TicketView{},
	}

	var inProgress *types.TicketView

	for _, t := range tickets {
		switch t.Status {
		case types.StatusWaiting:
			snap.Waiting = append(snap.Waiting, t.View())
		case types.StatusCalled, types.StatusSkipped:
			snap.CalledOrSkipped = append(snap.CalledOrSkipped, t.View())
		case types.StatusInProgress:
			if inProgress == nil {
				v := t.View()
				inProgress = &v
			}
		case types.StatusDone:
			snap.CompletedCount++
		}
	}

	if inProgress != nil {
		snap.Current = inProgress
	} else if len(snap.CalledOrSkipped) > 0 {
		// With no exam running, the earliest called-or-skipped ticket
		// surfaces as current. This intentionally lets a SKIPPED ticket
		// become current when nothing is CALLED; kept for compatibility
		// with the desk displays, pending product review.
		v := snap.CalledOrSkipped[0]
		snap.Current = &v
	}

	if len(snap.Waiting) > 0 {
		v := snap.Waiting[0]
		snap.Next = &v
	}

	return snap
}
