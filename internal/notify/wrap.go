package notify

import (
	"context"
	"time"

	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type publishingStore struct {
	store.TicketStore
	notifier Notifier
}

// Wrap returns a store that publishes a change through notifier after every
// successful mutation and serves Subscribe from notifier instead of inner.
func Wrap(inner store.TicketStore, notifier Notifier) store.TicketStore {
	return &publishingStore{TicketStore: inner, notifier: notifier}
}

func (s *publishingStore) Insert(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	ticket, err := s.TicketStore.Insert(ctx, input)
	if err != nil {
		return ticket, err
	}
	s.publish(ctx, ticket.TicketID)
	return ticket, nil
}

func (s *publishingStore) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	ticket, err := s.TicketStore.ClaimNext(ctx, input)
	if err != nil {
		return ticket, err
	}
	s.publish(ctx, ticket.TicketID)
	return ticket, nil
}

func (s *publishingStore) UpdateStatus(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	ticket, err := s.TicketStore.UpdateStatus(ctx, input)
	if err != nil {
		return ticket, err
	}
	s.publish(ctx, ticket.TicketID)
	return ticket, nil
}

func (s *publishingStore) Prune(ctx context.Context, before time.Time) (int, error) {
	removed, err := s.TicketStore.Prune(ctx, before)
	if err != nil || removed == 0 {
		return removed, err
	}
	s.publish(ctx, "")
	return removed, nil
}

func (s *publishingStore) Subscribe(ctx context.Context, onChange func()) (func(), error) {
	return s.notifier.Subscribe(ctx, onChange)
}

// publish is best effort: the write has already committed and the live view
// still converges through its poll interval.
func (s *publishingStore) publish(ctx context.Context, ticketID string) {
	if err := s.notifier.Publish(ctx, ticketID); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("ticket_id", ticketID).Msg("failed to publish ticket change")
	}
}
