package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

type CreateTicketInput struct {
	PatientName string
	CPF         string
	Department  models.Department
	Priority    models.Priority
	CreatedAt   time.Time
}

type ClaimInput struct {
	Department models.Department
	DoctorName string
	OfficeName string
	CalledAt   time.Time
}

type TicketActionInput struct {
	TicketID   string
	Action     string
	OccurredAt time.Time
}

// TicketStore is the durable source of truth for tickets. Implementations
// must serialize ticket number assignment inside Insert and must make the
// select-and-claim step of ClaimNext a single conditional update.
type TicketStore interface {
	Insert(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	ClaimNext(ctx context.Context, input ClaimInput) (models.Ticket, error)
	UpdateStatus(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	QueryRecent(ctx context.Context, window time.Duration) ([]models.Ticket, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	Subscribe(ctx context.Context, onChange func()) (func(), error)
}

// Reader is the subset of the store the live view needs.
type Reader interface {
	QueryRecent(ctx context.Context, window time.Duration) ([]models.Ticket, error)
	Subscribe(ctx context.Context, onChange func()) (func(), error)
}
