package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	notifyChannel       = "tickets_changed"
	uniqueViolationCode = "23505"
	ticketColumns       = "ticket_id, ticket_number, patient_name, cpf, department, priority, status, created_at, called_at, finished_at, doctor_name, office_name"
)

type Store struct {
	pool          *pgxpool.Pool
	now           func() time.Time
	listenBackoff time.Duration
}

type Options struct {
	// Now is the clock used for the QueryRecent cutoff. Defaults to time.Now.
	Now func() time.Time
	// ListenBackoff is the delay before re-establishing a dropped LISTEN
	// connection. Defaults to two seconds.
	ListenBackoff time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	backoff := options.ListenBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Store{pool: pool, now: now, listenBackoff: backoff}
}

func (s *Store) Insert(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	number, err := nextTicketNumber(ctx, tx)
	if err != nil {
		return models.Ticket{}, err
	}

	createdAt := input.CreatedAt.UTC().Truncate(time.Microsecond)
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, ticket_number, patient_name, cpf, department, priority, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+ticketColumns,
		uuid.NewString(), number, input.PatientName, nullIfEmpty(input.CPF), input.Department, input.Priority, models.StatusWaiting, createdAt)

	var ticket models.Ticket
	ticket, err = scanTicket(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			err = store.ErrDuplicateNumber
		}
		return models.Ticket{}, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, store.EventTicketCreated, createdAt); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	calledAt := input.CalledAt.UTC().Truncate(time.Microsecond)
	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE department = $1 AND status = 'WAITING'
			ORDER BY (priority = 'PREFERENTIAL') DESC, created_at ASC, ticket_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'CALLING',
			called_at = $2,
			doctor_name = $3,
			office_name = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING tickets.ticket_id, tickets.ticket_number, tickets.patient_name, tickets.cpf, tickets.department,
			tickets.priority, tickets.status, tickets.created_at, tickets.called_at, tickets.finished_at,
			tickets.doctor_name, tickets.office_name
	`, input.Department, calledAt, input.DoctorName, input.OfficeName)

	var ticket models.Ticket
	ticket, err = scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoTicket
		}
		return models.Ticket{}, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, store.EventTicketCalled, calledAt); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) UpdateStatus(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	fromStatus, toStatus, eventType, ok := store.Transition(input.Action)
	if !ok {
		return models.Ticket{}, store.ErrInvalidState
	}
	if _, parseErr := uuid.Parse(input.TicketID); parseErr != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}

	timestampColumn := "called_at"
	if toStatus == models.StatusFinished {
		timestampColumn = "finished_at"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt.UTC().Truncate(time.Microsecond)
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tickets
		SET status = $1, %s = $2
		WHERE ticket_id = $3 AND status = $4
		RETURNING %s
	`, timestampColumn, ticketColumns), toStatus, occurredAt, input.TicketID, fromStatus)

	var ticket models.Ticket
	ticket, err = scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, stateErr := ticketExists(ctx, tx, input.TicketID)
			if stateErr != nil {
				err = stateErr
				return models.Ticket{}, err
			}
			if !exists {
				err = store.ErrTicketNotFound
				return models.Ticket{}, err
			}
			err = store.ErrInvalidState
		}
		return models.Ticket{}, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, eventType, occurredAt); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) QueryRecent(ctx context.Context, window time.Duration) ([]models.Ticket, error) {
	cutoff := s.now().UTC().Add(-window)
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE created_at >= $1
		ORDER BY created_at ASC, ticket_number ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload::text, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := before.UTC()
	if _, err = tx.Exec(ctx, `
		DELETE FROM ticket_events
		WHERE ticket_id IN (SELECT ticket_id FROM tickets WHERE status = 'FINISHED' AND created_at < $1)
	`, cutoff); err != nil {
		return 0, err
	}
	var tag pgconn.CommandTag
	tag, err = tx.Exec(ctx, `DELETE FROM tickets WHERE status = 'FINISHED' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Subscribe holds one pooled connection in LISTEN mode until the returned
// function is called. A dropped connection is re-established after the
// listen backoff, and onChange fires once on reconnect since notifications
// may have been missed in between.
func (s *Store) Subscribe(ctx context.Context, onChange func()) (func(), error) {
	conn, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.listenLoop(listenCtx, conn, onChange)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (s *Store) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

func (s *Store) listenLoop(ctx context.Context, conn *pgxpool.Conn, onChange func()) {
	logger := logging.FromContext(ctx)
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.listenBackoff):
			}
			next, err := s.listen(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to re-establish ticket listener")
				continue
			}
			conn = next
			onChange()
		}

		_, err := conn.Conn().WaitForNotification(ctx)
		if err == nil {
			onChange()
			continue
		}
		if ctx.Err() != nil {
			// The connection may be mid-wait; closing it keeps a LISTEN
			// session from leaking back into the pool.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
			return
		}
		logger.Warn().Err(err).Msg("ticket listener connection lost")
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		conn = nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var cpf sql.NullString
	var calledAt sql.NullTime
	var finishedAt sql.NullTime
	var doctorName sql.NullString
	var officeName sql.NullString
	if err := row.Scan(&ticket.TicketID, &ticket.TicketNumber, &ticket.PatientName, &cpf, &ticket.Department, &ticket.Priority, &ticket.Status, &ticket.CreatedAt, &calledAt, &finishedAt, &doctorName, &officeName); err != nil {
		return models.Ticket{}, err
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	if cpf.Valid {
		ticket.CPF = cpf.String
	}
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.FinishedAt = nullTimePtr(finishedAt)
	ticket.DoctorName = nullStringPtr(doctorName)
	ticket.OfficeName = nullStringPtr(officeName)
	return ticket, nil
}

func nextTicketNumber(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_counter (id, next_number)
		VALUES (1, 1)
		ON CONFLICT (id)
		DO UPDATE SET next_number = ticket_counter.next_number + 1
		RETURNING next_number
	`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, createdAt time.Time) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}

	var last *store.TicketEvent
	var lastSeq int
	var lastHash string
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	switch err := row.Scan(&lastSeq, &lastHash); {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	default:
		last = &store.TicketEvent{TicketSeq: lastSeq, Hash: lastHash}
	}

	event := store.NextTicketEvent(last, ticket.TicketID, eventType, payload, createdAt)
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func ticketExists(ctx context.Context, tx pgx.Tx, ticketID string) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
