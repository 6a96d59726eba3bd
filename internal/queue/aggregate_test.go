package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

func snapshotTicket(id string, seq int, status types.TicketStatus) *types.Ticket {
	tk := testTicket(status, seq)
	tk.ID = id
	return tk
}

func TestBuildSnapshot_EmptyQueue(t *testing.T) {
	snap := BuildSnapshot("doctor-456", "2026-08-29", nil)

	assert.Equal(t, "doctor-456", snap.DoctorID)
	assert.Equal(t, "2026-08-29", snap.Day)
	assert.Nil(t, snap.Current)
	assert.Nil(t, snap.Next)
	assert.Empty(t, snap.Waiting)
	assert.Empty(t, snap.CalledOrSkipped)
	assert.Equal(t, 0, snap.CompletedCount)
}

func TestBuildSnapshot_InProgressIsCurrent(t *testing.T) {
	tickets := []*types.Ticket{
		snapshotTicket("t1", 1, types.StatusDone),
		snapshotTicket("t2", 2, types.StatusInProgress),
		snapshotTicket("t3", 3, types.StatusCalled),
		snapshotTicket("t4", 4, types.StatusWaiting),
		snapshotTicket("t5", 5, types.StatusWaiting),
	}

	snap := BuildSnapshot("doctor-456", "2026-08-29", tickets)

	require.NotNil(t, snap.Current)
	assert.Equal(t, "t2", snap.Current.TicketID)
	require.NotNil(t, snap.Next)
	assert.Equal(t, "t4", snap.Next.TicketID)
	assert.Len(t, snap.Waiting, 2)
	assert.Len(t, snap.CalledOrSkipped, 1)
	assert.Equal(t, 1, snap.CompletedCount)
}

func TestBuildSnapshot_CalledBeatsWaitingForCurrent(t *testing.T) {
	tickets := []*types.Ticket{
		snapshotTicket("t1", 1, types.StatusCalled),
		snapshotTicket("t2", 2, types.StatusWaiting),
	}

	snap := BuildSnapshot("doctor-456", "2026-08-29", tickets)

	require.NotNil(t, snap.Current)
	assert.Equal(t, "t1", snap.Current.TicketID)
	assert.Equal(t, types.StatusCalled, snap.Current.Status)
	require.NotNil(t, snap.Next)
	assert.Equal(t, "t2", snap.Next.TicketID)
}

func TestBuildSnapshot_SkippedSurfacesAsCurrent(t *testing.T) {
	// With nothing called and no exam running, the earliest skipped ticket
	// still surfaces as current.
	tickets := []*types.Ticket{
		snapshotTicket("t1", 1, types.StatusSkipped),
		snapshotTicket("t2", 2, types.StatusWaiting),
	}

	snap := BuildSnapshot("doctor-456", "2026-08-29", tickets)

	require.NotNil(t, snap.Current)
	assert.Equal(t, "t1", snap.Current.TicketID)
	assert.Equal(t, types.StatusSkipped, snap.Current.Status)
}

func TestBuildSnapshot_SequenceOrderPreserved(t *testing.T) {
	tickets := []*types.Ticket{
		snapshotTicket("t3", 3, types.StatusWaiting),
		snapshotTicket("t5", 5, types.StatusWaiting),
		snapshotTicket("t8", 8, types.StatusWaiting),
	}

	snap := BuildSnapshot("doctor-456", "2026-08-29", tickets)

	require.Len(t, snap.Waiting, 3)
	assert.Equal(t, []int{3, 5, 8}, []int{
		snap.Waiting[0].SequenceNumber,
		snap.Waiting[1].SequenceNumber,
		snap.Waiting[2].SequenceNumber,
	})
	require.NotNil(t, snap.Next)
	assert.Equal(t, "t3", snap.Next.TicketID)
	assert.Nil(t, snap.Current)
}

func TestBuildSnapshot_AllDone(t *testing.T) {
	tickets := []*types.Ticket{
		snapshotTicket("t1", 1, types.StatusDone),
		snapshotTicket("t2", 2, types.StatusDone),
		snapshotTicket("t3", 3, types.StatusDone),
	}

	snap := BuildSnapshot("doctor-456", "2026-08-29", tickets)

	assert.Nil(t, snap.Current)
	assert.Nil(t, snap.Next)
	assert.Equal(t, 3, snap.CompletedCount)
}

func TestBuildSnapshot_DoesNotMutateInput(t *testing.T) {
	ticket := snapshotTicket("t1", 1, types.StatusCalled)
	tickets := []*types.Ticket{ticket}

	_ = BuildSnapshot("doctor-456", "2026-08-29", tickets)

	assert.Equal(t, types.StatusCalled, ticket.Status)
}
