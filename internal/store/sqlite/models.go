package sqlite

import (
	"time"

	"github.com/guregu/null/v5"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type ticketRow struct {
	ID           string      `gorm:"column:id;primaryKey;size:36"`
	TicketNumber int64       `gorm:"column:ticket_number;not null;uniqueIndex"`
	PatientName  string      `gorm:"column:patient_name;not null"`
	CPF          null.String `gorm:"column:cpf;type:text"`
	Department   string      `gorm:"column:department;size:16;not null;index:idx_tickets_department_status"`
	Priority     string      `gorm:"column:priority;size:16;not null"`
	Status       string      `gorm:"column:status;size:16;not null;index:idx_tickets_department_status"`
	CreatedAt    time.Time   `gorm:"column:created_at;type:datetime;not null;index"`
	CalledAt     null.Time   `gorm:"column:called_at;type:datetime"`
	FinishedAt   null.Time   `gorm:"column:finished_at;type:datetime"`
	DoctorName   null.String `gorm:"column:doctor_name;type:text"`
	OfficeName   null.String `gorm:"column:office_name;type:text"`
}

func (ticketRow) TableName() string {
	return "tickets"
}

type counterRow struct {
	ID         int   `gorm:"column:id;primaryKey;autoIncrement:false"`
	NextNumber int64 `gorm:"column:next_number;not null"`
}

func (counterRow) TableName() string {
	return "ticket_counter"
}

type ticketEventRow struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	TicketID  string    `gorm:"column:ticket_id;size:36;not null;uniqueIndex:idx_ticket_events_ticket_seq"`
	TicketSeq int       `gorm:"column:ticket_seq;not null;uniqueIndex:idx_ticket_events_ticket_seq"`
	Type      string    `gorm:"column:event_type;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;type:datetime;not null"`
	PrevHash  string    `gorm:"column:prev_hash;not null"`
	Hash      string    `gorm:"column:hash;not null"`
}

func (ticketEventRow) TableName() string {
	return "ticket_events"
}

func (r ticketRow) toModel() models.Ticket {
	ticket := models.Ticket{
		TicketID:     r.ID,
		TicketNumber: r.TicketNumber,
		PatientName:  r.PatientName,
		CPF:          r.CPF.ValueOrZero(),
		Department:   models.Department(r.Department),
		Priority:     models.Priority(r.Priority),
		Status:       models.Status(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		CalledAt:     r.CalledAt.Ptr(),
		FinishedAt:   r.FinishedAt.Ptr(),
		DoctorName:   r.DoctorName.Ptr(),
		OfficeName:   r.OfficeName.Ptr(),
	}
	if ticket.CalledAt != nil {
		calledAt := ticket.CalledAt.UTC()
		ticket.CalledAt = &calledAt
	}
	if ticket.FinishedAt != nil {
		finishedAt := ticket.FinishedAt.UTC()
		ticket.FinishedAt = &finishedAt
	}
	return ticket
}

func (r ticketEventRow) toModel() store.TicketEvent {
	return store.TicketEvent{
		TicketID:  r.TicketID,
		TicketSeq: r.TicketSeq,
		Type:      r.Type,
		Payload:   []byte(r.Payload),
		CreatedAt: r.CreatedAt.UTC(),
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}
}

func eventRowFrom(event store.TicketEvent) ticketEventRow {
	return ticketEventRow{
		TicketID:  event.TicketID,
		TicketSeq: event.TicketSeq,
		Type:      event.Type,
		Payload:   string(event.Payload),
		CreatedAt: event.CreatedAt,
		PrevHash:  event.PrevHash,
		Hash:      event.Hash,
	}
}
