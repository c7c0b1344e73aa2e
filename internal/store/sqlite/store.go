package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
)

// Store keeps tickets in a single SQLite database through gorm. All writes
// go through one connection, so number assignment and claims are serialized
// by the database itself.
type Store struct {
	db       *gorm.DB
	notifier notify.Notifier
	now      func() time.Time
}

// Preferential tickets first, then arrival order. ticket_number breaks ties
// between tickets created in the same microsecond.
const claimOrder = "CASE WHEN priority = 'PREFERENTIAL' THEN 0 ELSE 1 END, created_at ASC, ticket_number ASC"

type Option func(*Store)

// WithClock overrides the clock used to compute the QueryRecent cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (or creates) the database at path and migrates it. Use
// ":memory:" for a throwaway database.
func Open(path string, notifier notify.Notifier, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return New(db, notifier, opts...), nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ticketRow{}, &counterRow{}, &ticketEventRow{}); err != nil {
		return fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return nil
}

func New(db *gorm.DB, notifier notify.Notifier, opts ...Option) *Store {
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	s := &Store{db: db, notifier: notifier, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Insert(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	createdAt := input.CreatedAt.UTC().Truncate(time.Microsecond)
	row := ticketRow{
		ID:          uuid.NewString(),
		PatientName: input.PatientName,
		Department:  string(input.Department),
		Priority:    string(input.Priority),
		Status:      string(models.StatusWaiting),
		CreatedAt:   createdAt,
	}
	if input.CPF != "" {
		row.CPF = null.StringFrom(input.CPF)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := nextTicketNumber(tx)
		if err != nil {
			return err
		}
		row.TicketNumber = number
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return store.ErrDuplicateNumber
			}
			return err
		}
		return appendEvent(tx, row.toModel(), store.EventTicketCreated, createdAt)
	})
	if err != nil {
		return models.Ticket{}, err
	}

	ticket := row.toModel()
	s.publish(ctx, ticket.TicketID)
	return ticket, nil
}

func (s *Store) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	calledAt := input.CalledAt.UTC().Truncate(time.Microsecond)
	var row ticketRow

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("department = ? AND status = ?", string(input.Department), string(models.StatusWaiting)).
			Order(claimOrder).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNoTicket
		}
		if err != nil {
			return err
		}

		row.Status = string(models.StatusCalling)
		row.CalledAt = null.TimeFrom(calledAt)
		row.DoctorName = null.StringFrom(input.DoctorName)
		row.OfficeName = null.StringFrom(input.OfficeName)

		result := tx.Model(&ticketRow{}).
			Where("id = ? AND status = ?", row.ID, string(models.StatusWaiting)).
			Updates(map[string]any{
				"status":      row.Status,
				"called_at":   row.CalledAt,
				"doctor_name": row.DoctorName,
				"office_name": row.OfficeName,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrNoTicket
		}
		return appendEvent(tx, row.toModel(), store.EventTicketCalled, calledAt)
	})
	if err != nil {
		return models.Ticket{}, err
	}

	ticket := row.toModel()
	s.publish(ctx, ticket.TicketID)
	return ticket, nil
}

func (s *Store) UpdateStatus(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	from, to, eventType, ok := store.Transition(input.Action)
	if !ok {
		return models.Ticket{}, store.ErrInvalidState
	}
	occurredAt := input.OccurredAt.UTC().Truncate(time.Microsecond)
	var row ticketRow

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", input.TicketID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrTicketNotFound
		}
		if err != nil {
			return err
		}
		if !store.ValidTransition(input.Action, models.Status(row.Status)) {
			return store.ErrInvalidState
		}

		updates := map[string]any{"status": string(to)}
		switch to {
		case models.StatusCalling:
			row.CalledAt = null.TimeFrom(occurredAt)
			updates["called_at"] = row.CalledAt
		case models.StatusFinished:
			row.FinishedAt = null.TimeFrom(occurredAt)
			updates["finished_at"] = row.FinishedAt
		}
		row.Status = string(to)

		result := tx.Model(&ticketRow{}).
			Where("id = ? AND status = ?", row.ID, string(from)).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrInvalidState
		}
		return appendEvent(tx, row.toModel(), eventType, occurredAt)
	})
	if err != nil {
		return models.Ticket{}, err
	}

	ticket := row.toModel()
	s.publish(ctx, ticket.TicketID)
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	var row ticketRow
	err := s.db.WithContext(ctx).Where("id = ?", ticketID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if err != nil {
		return models.Ticket{}, err
	}
	return row.toModel(), nil
}

func (s *Store) QueryRecent(ctx context.Context, window time.Duration) ([]models.Ticket, error) {
	cutoff := s.now().UTC().Add(-window)
	var rows []ticketRow
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", cutoff).
		Order("created_at ASC").
		Order("ticket_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(rows))
	for _, row := range rows {
		tickets = append(tickets, row.toModel())
	}
	return tickets, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	var rows []ticketEventRow
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("ticket_seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	events := make([]store.TicketEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toModel())
	}
	return events, nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		finished := string(models.StatusFinished)
		stale := tx.Model(&ticketRow{}).Select("id").Where("status = ? AND created_at < ?", finished, before.UTC())
		if err := tx.Where("ticket_id IN (?)", stale).Delete(&ticketEventRow{}).Error; err != nil {
			return err
		}
		result := tx.Where("status = ? AND created_at < ?", finished, before.UTC()).Delete(&ticketRow{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.publish(ctx, "")
	}
	return int(removed), nil
}

func (s *Store) Subscribe(ctx context.Context, onChange func()) (func(), error) {
	return s.notifier.Subscribe(ctx, onChange)
}

func (s *Store) publish(ctx context.Context, ticketID string) {
	if err := s.notifier.Publish(ctx, ticketID); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("ticket_id", ticketID).Msg("failed to publish ticket change")
	}
}

func nextTicketNumber(tx *gorm.DB) (int64, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{"next_number": gorm.Expr("next_number + 1")}),
	}).Create(&counterRow{ID: 1, NextNumber: 1}).Error
	if err != nil {
		return 0, err
	}
	var counter counterRow
	if err := tx.Where("id = ?", 1).Take(&counter).Error; err != nil {
		return 0, err
	}
	return counter.NextNumber, nil
}

func appendEvent(tx *gorm.DB, ticket models.Ticket, eventType string, createdAt time.Time) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}

	var last *store.TicketEvent
	var lastRow ticketEventRow
	err = tx.Where("ticket_id = ?", ticket.TicketID).Order("ticket_seq DESC").Take(&lastRow).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return err
	default:
		event := lastRow.toModel()
		last = &event
	}

	event := store.NextTicketEvent(last, ticket.TicketID, eventType, payload, createdAt)
	row := eventRowFrom(event)
	return tx.Create(&row).Error
}
