package types

import "time"

// TicketStatus represents the lifecycle state of a queue ticket
type TicketStatus string

const (
	StatusWaiting    TicketStatus = "WAITING"
	StatusCalled     TicketStatus = "CALLED"
	StatusInProgress TicketStatus = "IN_PROGRESS"
	StatusDone       TicketStatus = "DONE"
	StatusSkipped    TicketStatus = "SKIPPED"
	StatusCancelled  TicketStatus = "CANCELLED"
)

// IsTerminal reports whether a ticket in this status can never change again
func (s TicketStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Ticket represents one patient's queued visit for a doctor on a calendar day
type Ticket struct {
	ID             string       `json:"id" db:"id"`
	PatientID      string       `json:"patient_id" db:"patient_id"`
	PatientName    string       `json:"patient_name" db:"patient_name"`
	PatientContact string       `json:"patient_contact" db:"patient_contact"`
	DoctorID       string       `json:"doctor_id" db:"doctor_id"`
	Day            string       `json:"day" db:"day"`
	SequenceNumber int          `json:"sequence_number" db:"sequence_number"`
	ScheduledTime  time.Time    `json:"scheduled_time" db:"scheduled_time"`
	Status         TicketStatus `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// TicketView is the projection of a ticket pushed to queue viewers
type TicketView struct {
	TicketID       string       `json:"ticket_id"`
	SequenceNumber int          `json:"sequence_number"`
	PatientName    string       `json:"patient_name"`
	PatientContact string       `json:"patient_contact"`
	ScheduledTime  time.Time    `json:"scheduled_time"`
	Status         TicketStatus `json:"status"`
}

// View projects a ticket into its viewer-facing shape
func (t *Ticket) View() TicketView {
	return TicketView{
		TicketID:       t.ID,
		SequenceNumber: t.SequenceNumber,
		PatientName:    t.PatientName,
		PatientContact: t.PatientContact,
		ScheduledTime:  t.ScheduledTime,
		Status:         t.Status,
	}
}

// QueueSnapshot is the derived current/next view for one doctor on one day.
// It is recomputed from live ticket state on every read and never stored.
type QueueSnapshot struct {
	DoctorID        string       `json:"doctor_id"`
	Day             string       `json:"day"`
	Current         *TicketView  `json:"current"`
	Next            *TicketView  `json:"next"`
	Waiting         []TicketView `json:"waiting"`
	CalledOrSkipped []TicketView `json:"called_or_skipped"`
	CompletedCount  int          `json:"completed_count"`
}

// DayFormat is the calendar-day layout used throughout the queue engine
const DayFormat = "2006-01-02"
