package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/view"
)

// LiveView is the read side the engine answers queries from.
type LiveView interface {
	Current() *view.Snapshot
	Trigger()
}

type SubmitTicketInput struct {
	PatientName string
	CPF         string
	Department  models.Department
	Priority    models.Priority
}

type CallNextInput struct {
	Department models.Department
	DoctorName string
	OfficeName string
}

type RequeueInput struct {
	TicketID   string
	Department models.Department
	Priority   models.Priority
}

// Engine applies ticket mutations through the store and answers reads from
// the live view. It holds no mutable state of its own.
type Engine struct {
	store  store.TicketStore
	view   LiveView
	now    func() time.Time
	tracer trace.Tracer
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(st store.TicketStore, live LiveView, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		view:   live,
		now:    time.Now,
		tracer: otel.Tracer("qms/clinic-queue/queue"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitTicket registers a patient and returns once the store has assigned
// the ticket number. An empty priority means NORMAL.
func (e *Engine) SubmitTicket(ctx context.Context, input SubmitTicketInput) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.SubmitTicket")
	defer func() { endSpan(span, err) }()

	name := strings.TrimSpace(input.PatientName)
	if name == "" {
		return models.Ticket{}, validationError("patient_name is required")
	}
	dept, ok := models.ParseDepartment(string(input.Department))
	if !ok {
		return models.Ticket{}, validationError("unknown department %q", input.Department)
	}
	priority, err := parsePriority(input.Priority)
	if err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.department", string(dept)), attribute.String("ticket.priority", string(priority)))

	ticket, err = e.store.Insert(ctx, store.CreateTicketInput{
		PatientName: name,
		CPF:         strings.TrimSpace(input.CPF),
		Department:  dept,
		Priority:    priority,
		CreatedAt:   e.now(),
	})
	if err != nil {
		return models.Ticket{}, storeError(err)
	}
	e.view.Trigger()

	span.SetAttributes(attribute.Int64("ticket.number", ticket.TicketNumber))
	logging.FromContext(ctx).Info().
		Str("ticket_id", ticket.TicketID).
		Int64("ticket_number", ticket.TicketNumber).
		Str("department", string(dept)).
		Str("priority", string(priority)).
		Msg("ticket submitted")
	return ticket, nil
}

// CallNext claims the next waiting ticket of the department for a doctor.
// ErrEmptyQueue is returned when nobody is waiting.
func (e *Engine) CallNext(ctx context.Context, input CallNextInput) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.CallNext")
	defer func() { endSpan(span, err) }()

	dept, ok := models.ParseDepartment(string(input.Department))
	if !ok {
		return models.Ticket{}, validationError("unknown department %q", input.Department)
	}
	doctor := strings.TrimSpace(input.DoctorName)
	office := strings.TrimSpace(input.OfficeName)
	if doctor == "" {
		return models.Ticket{}, validationError("doctor_name is required")
	}
	if office == "" {
		return models.Ticket{}, validationError("office_name is required")
	}
	span.SetAttributes(attribute.String("ticket.department", string(dept)))

	ticket, err = e.store.ClaimNext(ctx, store.ClaimInput{
		Department: dept,
		DoctorName: doctor,
		OfficeName: office,
		CalledAt:   e.now(),
	})
	if err != nil {
		err = storeError(err)
		if store.IsDomainError(err) {
			e.view.Trigger()
		}
		return models.Ticket{}, err
	}
	e.view.Trigger()

	logging.FromContext(ctx).Info().
		Str("ticket_id", ticket.TicketID).
		Int64("ticket_number", ticket.TicketNumber).
		Str("department", string(dept)).
		Str("doctor_name", doctor).
		Msg("ticket called")
	return ticket, nil
}

// Recall refreshes calledAt on a CALLING ticket so displays announce it again.
func (e *Engine) Recall(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.Recall", store.ActionRecall, ticketID)
}

func (e *Engine) Finish(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.Finish", store.ActionFinish, ticketID)
}

func (e *Engine) transition(ctx context.Context, spanName, action, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, spanName)
	defer func() { endSpan(span, err) }()

	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, validationError("ticket_id is required")
	}
	span.SetAttributes(attribute.String("ticket.id", ticketID))

	ticket, err = e.store.UpdateStatus(ctx, store.TicketActionInput{
		TicketID:   ticketID,
		Action:     action,
		OccurredAt: e.now(),
	})
	if err != nil {
		err = storeError(err)
		if store.IsDomainError(err) {
			e.view.Trigger()
		}
		return models.Ticket{}, err
	}
	e.view.Trigger()

	logging.FromContext(ctx).Info().
		Str("ticket_id", ticket.TicketID).
		Int64("ticket_number", ticket.TicketNumber).
		Str("action", action).
		Str("status", string(ticket.Status)).
		Msg("ticket updated")
	return ticket, nil
}

// Requeue issues a new waiting ticket for the patient of an existing one,
// typically to send them on to another department. The source ticket is
// left as it is. Empty department or priority fall back to the source's.
func (e *Engine) Requeue(ctx context.Context, input RequeueInput) (models.Ticket, error) {
	ticketID := strings.TrimSpace(input.TicketID)
	if ticketID == "" {
		return models.Ticket{}, validationError("ticket_id is required")
	}
	source, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		err = storeError(err)
		if errors.Is(err, store.ErrTicketNotFound) {
			e.view.Trigger()
		}
		return models.Ticket{}, err
	}

	dept := input.Department
	if dept == "" {
		dept = source.Department
	}
	priority := input.Priority
	if priority == "" {
		priority = source.Priority
	}
	return e.SubmitTicket(ctx, SubmitTicketInput{
		PatientName: source.PatientName,
		CPF:         source.CPF,
		Department:  dept,
		Priority:    priority,
	})
}

// TicketEvents returns the audit trail of a ticket, oldest first. The hash
// chain is verified and the replayed ticket must agree with the stored one;
// otherwise store.ErrCorruptHistory is returned.
func (e *Engine) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return nil, validationError("ticket_id is required")
	}
	events, err := e.store.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return nil, storeError(err)
	}
	if len(events) == 0 {
		return nil, store.ErrTicketNotFound
	}

	if err := store.VerifyTicketEvents(events); err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("ticket_id", ticketID).Msg("ticket history failed verification")
		return nil, err
	}
	rebuilt, err := store.RehydrateTicket(events)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, storeError(err)
	}
	if !store.MatchesTicket(rebuilt, stored) {
		logging.FromContext(ctx).Error().Str("ticket_id", ticketID).Msg("ticket history disagrees with stored ticket")
		return nil, fmt.Errorf("%w: history disagrees with stored ticket", store.ErrCorruptHistory)
	}
	return events, nil
}

func (e *Engine) Tickets() []models.Ticket {
	return e.view.Current().Tickets
}

func (e *Engine) WaitingCount(dept models.Department) int {
	return WaitingCount(e.Tickets(), dept)
}

func (e *Engine) ActiveCall() (models.Ticket, bool) {
	return ActiveCall(e.Tickets())
}

// Queue returns the department's waiting tickets in the order CallNext
// would take them.
func (e *Engine) Queue(dept models.Department) []models.Ticket {
	return Waiting(e.Tickets(), dept)
}

func (e *Engine) CurrentPatient(dept models.Department, doctorName string) (models.Ticket, bool) {
	return CurrentPatient(e.Tickets(), dept, doctorName)
}

func (e *Engine) Search(term string) []models.Ticket {
	return Search(e.Tickets(), term)
}

func parsePriority(value models.Priority) (models.Priority, error) {
	if strings.TrimSpace(string(value)) == "" {
		return models.PriorityNormal, nil
	}
	priority, ok := models.ParsePriority(string(value))
	if !ok {
		return "", validationError("unknown priority %q", value)
	}
	return priority, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrEmptyQueue) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
