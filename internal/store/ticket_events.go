package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
)

const (
	EventTicketCreated  = "ticket.created"
	EventTicketCalled   = "ticket.called"
	EventTicketRecalled = "ticket.recalled"
	EventTicketFinished = "ticket.finished"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID     string            `json:"ticket_id"`
	TicketNumber int64             `json:"ticket_number"`
	PatientName  string            `json:"patient_name,omitempty"`
	CPF          string            `json:"cpf,omitempty"`
	Department   models.Department `json:"department,omitempty"`
	Priority     models.Priority   `json:"priority,omitempty"`
	Status       models.Status     `json:"status"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	CalledAt     *time.Time        `json:"called_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	DoctorName   *string           `json:"doctor_name,omitempty"`
	OfficeName   *string           `json:"office_name,omitempty"`
}

// EventPayload serializes the ticket state recorded with an audit event.
func EventPayload(ticket models.Ticket) (json.RawMessage, error) {
	createdAt := ticket.CreatedAt
	payload := eventPayload{
		TicketID:     ticket.TicketID,
		TicketNumber: ticket.TicketNumber,
		PatientName:  ticket.PatientName,
		CPF:          ticket.CPF,
		Department:   ticket.Department,
		Priority:     ticket.Priority,
		Status:       ticket.Status,
		CalledAt:     ticket.CalledAt,
		FinishedAt:   ticket.FinishedAt,
		DoctorName:   ticket.DoctorName,
		OfficeName:   ticket.OfficeName,
	}
	if !createdAt.IsZero() {
		payload.CreatedAt = &createdAt
	}
	return json.Marshal(payload)
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent chains a new event onto the last one recorded for the
// ticket. last is nil for the first event.
func NextTicketEvent(last *TicketEvent, ticketID, eventType string, payload json.RawMessage, createdAt time.Time) TicketEvent {
	seq := 1
	prev := ""
	if last != nil {
		seq = last.TicketSeq + 1
		prev = last.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, seq),
	}
}

// VerifyTicketEvents checks sequence numbers and the hash chain. Failures
// wrap ErrCorruptHistory.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: event %d: unexpected sequence %d", ErrCorruptHistory, i, event.TicketSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: event %d: broken chain", ErrCorruptHistory, event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: event %d: hash mismatch", ErrCorruptHistory, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket replays event payloads into the ticket state they record.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, fmt.Errorf("%w: event %d: %w", ErrCorruptHistory, event.TicketSeq, err)
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketNumber != 0 {
			ticket.TicketNumber = payload.TicketNumber
		}
		if payload.PatientName != "" {
			ticket.PatientName = payload.PatientName
		}
		if payload.CPF != "" {
			ticket.CPF = payload.CPF
		}
		if payload.Department != "" {
			ticket.Department = payload.Department
		}
		if payload.Priority != "" {
			ticket.Priority = payload.Priority
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.FinishedAt != nil {
			ticket.FinishedAt = payload.FinishedAt
		}
		if payload.DoctorName != nil {
			ticket.DoctorName = payload.DoctorName
		}
		if payload.OfficeName != nil {
			ticket.OfficeName = payload.OfficeName
		}
	}
	return ticket, nil
}

// MatchesTicket reports whether rebuilt, replayed from events, agrees with
// the stored ticket on the fields that never change after creation.
func MatchesTicket(rebuilt, stored models.Ticket) bool {
	return rebuilt.TicketID == stored.TicketID &&
		rebuilt.TicketNumber == stored.TicketNumber &&
		rebuilt.PatientName == stored.PatientName &&
		rebuilt.CPF == stored.CPF &&
		rebuilt.Department == stored.Department &&
		rebuilt.Priority == stored.Priority
}
