package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/sqlite"
	"qms/clinic-queue/internal/view"
)

type harness struct {
	engine *Engine
	view   *view.View
	store  *sqlite.Store
	clock  *stepClock
}

// stepClock advances by one second on every read so that created and
// called timestamps are strictly ordered.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(":memory:", notify.NewLocal())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &stepClock{now: time.Now().UTC().Add(-time.Hour)}
	v := view.New(st, view.Options{})
	return &harness{
		engine: NewEngine(st, v, WithClock(clock.Now)),
		view:   v,
		store:  st,
		clock:  clock,
	}
}

func (h *harness) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, h.view.Refresh(context.Background()))
}

func (h *harness) submit(t *testing.T, name string, dept models.Department, priority models.Priority) models.Ticket {
	t.Helper()
	ticket, err := h.engine.SubmitTicket(context.Background(), SubmitTicketInput{
		PatientName: name,
		Department:  dept,
		Priority:    priority,
	})
	require.NoError(t, err)
	return ticket
}

func (h *harness) callNext(t *testing.T, dept models.Department, doctor, office string) models.Ticket {
	t.Helper()
	ticket, err := h.engine.CallNext(context.Background(), CallNextInput{Department: dept, DoctorName: doctor, OfficeName: office})
	require.NoError(t, err)
	return ticket
}

func TestSubmitTicketValidation(t *testing.T) {
	tests := []struct {
		name  string
		input SubmitTicketInput
	}{
		{"empty name", SubmitTicketInput{PatientName: "", Department: models.DepartmentMedical}},
		{"blank name", SubmitTicketInput{PatientName: "   ", Department: models.DepartmentMedical}},
		{"unknown department", SubmitTicketInput{PatientName: "Ana", Department: "CARDIO"}},
		{"unknown priority", SubmitTicketInput{PatientName: "Ana", Department: models.DepartmentMedical, Priority: "URGENT"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeStore{
				insertFn: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
					t.Fatal("store must not be called for invalid input")
					return models.Ticket{}, nil
				},
			}
			engine := NewEngine(st, &fakeView{})
			_, err := engine.SubmitTicket(context.Background(), tc.input)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestSubmitTicketNormalizesInput(t *testing.T) {
	h := newHarness(t)
	ticket, err := h.engine.SubmitTicket(context.Background(), SubmitTicketInput{
		PatientName: "  Maria Silva ",
		CPF:         " 123.456.789-00 ",
		Department:  "dental",
	})
	require.NoError(t, err)

	assert.Equal(t, "Maria Silva", ticket.PatientName)
	assert.Equal(t, "123.456.789-00", ticket.CPF)
	assert.Equal(t, models.DepartmentDental, ticket.Department)
	assert.Equal(t, models.PriorityNormal, ticket.Priority)
	assert.Equal(t, models.StatusWaiting, ticket.Status)
	assert.Equal(t, int64(1), ticket.TicketNumber)
}

func TestConcurrentSubmitNumbersAreExactlyOneToN(t *testing.T) {
	h := newHarness(t)
	const n = 30

	var wg sync.WaitGroup
	numbers := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dept := models.DepartmentMedical
			if i%2 == 0 {
				dept = models.DepartmentDental
			}
			ticket, err := h.engine.SubmitTicket(context.Background(), SubmitTicketInput{PatientName: "P", Department: dept})
			if assert.NoError(t, err) {
				numbers[i] = int(ticket.TicketNumber)
			}
		}(i)
	}
	wg.Wait()

	sort.Ints(numbers)
	for i, number := range numbers {
		assert.Equal(t, i+1, number)
	}
}

func TestCallNextPreferentialJumpsAhead(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)
	b := h.submit(t, "B", models.DepartmentMedical, models.PriorityPreferential)
	c := h.submit(t, "C", models.DepartmentMedical, models.PriorityNormal)
	h.submit(t, "D", models.DepartmentDental, models.PriorityPreferential)

	first := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Consultório 1")
	second := h.callNext(t, models.DepartmentMedical, "Dra. Souza", "Consultório 2")
	third := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Consultório 1")

	assert.Equal(t, b.TicketID, first.TicketID)
	assert.Equal(t, a.TicketID, second.TicketID)
	assert.Equal(t, c.TicketID, third.TicketID)
	for _, ticket := range []models.Ticket{first, second, third} {
		assert.Equal(t, models.DepartmentMedical, ticket.Department)
		assert.Equal(t, models.StatusCalling, ticket.Status)
	}
	assert.Equal(t, "Dra. Souza", second.Doctor())
	assert.Equal(t, "Consultório 2", second.Office())
}

func TestCallNextEmptyQueueChangesNothing(t *testing.T) {
	h := newHarness(t)
	dental := h.submit(t, "Dental", models.DepartmentDental, models.PriorityNormal)
	h.refresh(t)
	before := h.engine.Tickets()

	_, err := h.engine.CallNext(context.Background(), CallNextInput{Department: models.DepartmentMedical, DoctorName: "Dr. Lima", OfficeName: "Sala 1"})
	assert.ErrorIs(t, err, ErrEmptyQueue)

	h.refresh(t)
	assert.Equal(t, before, h.engine.Tickets())
	stored, err := h.store.GetTicket(context.Background(), dental.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, stored.Status)
}

func TestCallNextRequiresDoctorAndOffice(t *testing.T) {
	engine := NewEngine(&fakeStore{}, &fakeView{})
	_, err := engine.CallNext(context.Background(), CallNextInput{Department: models.DepartmentMedical, OfficeName: "Sala 1"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = engine.CallNext(context.Background(), CallNextInput{Department: models.DepartmentMedical, DoctorName: "Dr. Lima"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = engine.CallNext(context.Background(), CallNextInput{Department: "", DoctorName: "Dr. Lima", OfficeName: "Sala 1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFinishRemovesTicketFromQueuePermanently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)
	h.submit(t, "B", models.DepartmentMedical, models.PriorityNormal)

	called := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")
	require.Equal(t, first.TicketID, called.TicketID)
	finished, err := h.engine.Finish(ctx, called.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, finished.Status)
	require.NotNil(t, finished.FinishedAt)

	h.refresh(t)
	assert.Equal(t, 1, h.engine.WaitingCount(models.DepartmentMedical))

	next := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")
	assert.NotEqual(t, first.TicketID, next.TicketID)
	_, err = h.engine.CallNext(ctx, CallNextInput{Department: models.DepartmentMedical, DoctorName: "Dr. Lima", OfficeName: "Sala 1"})
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestFinishTwiceKeepsOriginalFinishedAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)
	called := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")

	finished, err := h.engine.Finish(ctx, called.TicketID)
	require.NoError(t, err)

	_, err = h.engine.Finish(ctx, called.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	stored, err := h.store.GetTicket(ctx, called.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, stored.Status)
	assert.True(t, stored.FinishedAt.Equal(*finished.FinishedAt))
}

func TestRecallAndFinishRejectWrongState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	waiting := h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)

	_, err := h.engine.Recall(ctx, waiting.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	_, err = h.engine.Finish(ctx, waiting.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	_, err = h.engine.Recall(ctx, "does-not-exist")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
	_, err = h.engine.Finish(ctx, " ")
	assert.ErrorIs(t, err, ErrValidation)

	stored, err := h.store.GetTicket(ctx, waiting.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, stored.Status)
	assert.Nil(t, stored.CalledAt)
}

func TestRecallOnlyRefreshesCalledAt(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "A", models.DepartmentDental, models.PriorityPreferential)
	called := h.callNext(t, models.DepartmentDental, "Dra. Souza", "Sala 3")

	recalled, err := h.engine.Recall(context.Background(), called.TicketID)
	require.NoError(t, err)

	assert.True(t, recalled.CalledAt.After(*called.CalledAt))
	assert.Equal(t, called.Doctor(), recalled.Doctor())
	assert.Equal(t, called.Office(), recalled.Office())
	assert.Equal(t, called.Status, recalled.Status)
	assert.Equal(t, called.TicketNumber, recalled.TicketNumber)
}

func TestActiveCallFollowsMostRecentCall(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)
	_, ok := h.engine.ActiveCall()
	assert.False(t, ok)

	h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)
	h.submit(t, "B", models.DepartmentDental, models.PriorityNormal)
	older := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")
	newer := h.callNext(t, models.DepartmentDental, "Dra. Souza", "Sala 2")

	h.refresh(t)
	active, ok := h.engine.ActiveCall()
	require.True(t, ok)
	assert.Equal(t, newer.TicketID, active.TicketID)

	_, err := h.engine.Recall(context.Background(), older.TicketID)
	require.NoError(t, err)
	h.refresh(t)
	active, ok = h.engine.ActiveCall()
	require.True(t, ok)
	assert.Equal(t, older.TicketID, active.TicketID)
}

func TestQueueAndCurrentPatient(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)
	b := h.submit(t, "B", models.DepartmentMedical, models.PriorityNormal)
	c := h.submit(t, "C", models.DepartmentMedical, models.PriorityPreferential)
	h.refresh(t)

	queue := h.engine.Queue(models.DepartmentMedical)
	require.Len(t, queue, 3)
	assert.Equal(t, []string{c.TicketID, a.TicketID, b.TicketID}, []string{queue[0].TicketID, queue[1].TicketID, queue[2].TicketID})

	called := h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")
	h.refresh(t)
	current, ok := h.engine.CurrentPatient(models.DepartmentMedical, "dr. lima")
	require.True(t, ok)
	assert.Equal(t, called.TicketID, current.TicketID)

	_, ok = h.engine.CurrentPatient(models.DepartmentMedical, "Dra. Souza")
	assert.False(t, ok)
	_, ok = h.engine.CurrentPatient(models.DepartmentDental, "Dr. Lima")
	assert.False(t, ok)
}

func TestRequeueCreatesNewTicketForSamePatient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source, err := h.engine.SubmitTicket(ctx, SubmitTicketInput{PatientName: "Joana", CPF: "987", Department: models.DepartmentMedical})
	require.NoError(t, err)
	h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")

	requeued, err := h.engine.Requeue(ctx, RequeueInput{TicketID: source.TicketID, Department: models.DepartmentDental, Priority: models.PriorityPreferential})
	require.NoError(t, err)

	assert.NotEqual(t, source.TicketID, requeued.TicketID)
	assert.Greater(t, requeued.TicketNumber, source.TicketNumber)
	assert.Equal(t, "Joana", requeued.PatientName)
	assert.Equal(t, "987", requeued.CPF)
	assert.Equal(t, models.DepartmentDental, requeued.Department)
	assert.Equal(t, models.PriorityPreferential, requeued.Priority)
	assert.Equal(t, models.StatusWaiting, requeued.Status)

	stored, err := h.store.GetTicket(ctx, source.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalling, stored.Status)

	_, err = h.engine.Requeue(ctx, RequeueInput{TicketID: "missing"})
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestSearchThroughEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.SubmitTicket(ctx, SubmitTicketInput{PatientName: "Maria Souza", CPF: "111.222", Department: models.DepartmentMedical})
	require.NoError(t, err)
	_, err = h.engine.SubmitTicket(ctx, SubmitTicketInput{PatientName: "João Lima", Department: models.DepartmentDental})
	require.NoError(t, err)
	h.refresh(t)

	results := h.engine.Search("maria")
	require.Len(t, results, 1)
	assert.Equal(t, "Maria Souza", results[0].PatientName)

	results = h.engine.Search("")
	require.Len(t, results, 2)
	assert.Equal(t, "João Lima", results[0].PatientName)
}

func TestTicketEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.submit(t, "A", models.DepartmentMedical, models.PriorityNormal)
	h.callNext(t, models.DepartmentMedical, "Dr. Lima", "Sala 1")

	events, err := h.engine.TicketEvents(ctx, ticket.TicketID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, store.VerifyTicketEvents(events))

	_, err = h.engine.TicketEvents(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestTicketEventsRejectsCorruptHistory(t *testing.T) {
	createdAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ticket := models.Ticket{
		TicketID:     "t1",
		TicketNumber: 4,
		PatientName:  "Maria",
		Department:   models.DepartmentMedical,
		Priority:     models.PriorityNormal,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
	payload, err := store.EventPayload(ticket)
	require.NoError(t, err)
	created := store.NextTicketEvent(nil, ticket.TicketID, store.EventTicketCreated, payload, createdAt)

	tampered := created
	tampered.Payload = []byte(`{"ticket_id":"t1","ticket_number":9,"status":"WAITING"}`)

	renumbered := ticket
	renumbered.TicketNumber = 5

	tests := []struct {
		name   string
		events []store.TicketEvent
		stored models.Ticket
	}{
		{"payload edited after hashing", []store.TicketEvent{tampered}, ticket},
		{"history disagrees with stored ticket", []store.TicketEvent{created}, renumbered},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeStore{
				eventsFn: func(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
					return tc.events, nil
				},
				getTicketFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
					return tc.stored, nil
				},
			}
			_, err := NewEngine(st, &fakeView{}).TicketEvents(context.Background(), "t1")
			assert.ErrorIs(t, err, store.ErrCorruptHistory)
		})
	}

	st := &fakeStore{
		eventsFn: func(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
			return []store.TicketEvent{created}, nil
		},
		getTicketFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			return ticket, nil
		},
	}
	events, err := NewEngine(st, &fakeView{}).TicketEvents(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBackendFailuresAreUnavailable(t *testing.T) {
	boom := errors.New("connection reset")
	live := &fakeView{}
	st := &fakeStore{
		insertFn: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
			return models.Ticket{}, boom
		},
		updateStatusFn: func(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
			return models.Ticket{}, boom
		},
	}
	engine := NewEngine(st, live)

	_, err := engine.SubmitTicket(context.Background(), SubmitTicketInput{PatientName: "A", Department: models.DepartmentMedical})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = engine.Finish(context.Background(), "t1")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, int32(0), live.triggers.Load())
}

func TestStaleReadTriggersRefresh(t *testing.T) {
	live := &fakeView{}
	st := &fakeStore{
		updateStatusFn: func(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
			return models.Ticket{}, store.ErrInvalidState
		},
	}
	engine := NewEngine(st, live)

	_, err := engine.Recall(context.Background(), "t1")
	assert.ErrorIs(t, err, store.ErrInvalidState)
	assert.Equal(t, int32(1), live.triggers.Load())
}

func TestMutationsTriggerRefresh(t *testing.T) {
	live := &fakeView{}
	st := &fakeStore{
		insertFn: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
			return models.Ticket{TicketID: "t1", TicketNumber: 1, Status: models.StatusWaiting}, nil
		},
		claimNextFn: func(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
			assert.Equal(t, "Dr. Lima", input.DoctorName)
			assert.False(t, input.CalledAt.IsZero())
			return models.Ticket{TicketID: "t1", Status: models.StatusCalling}, nil
		},
	}
	engine := NewEngine(st, live)

	_, err := engine.SubmitTicket(context.Background(), SubmitTicketInput{PatientName: "A", Department: models.DepartmentMedical})
	require.NoError(t, err)
	_, err = engine.CallNext(context.Background(), CallNextInput{Department: models.DepartmentMedical, DoctorName: " Dr. Lima ", OfficeName: "Sala 1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), live.triggers.Load())
}

type fakeView struct {
	snapshot view.Snapshot
	triggers atomic.Int32
}

func (f *fakeView) Current() *view.Snapshot {
	return &f.snapshot
}

func (f *fakeView) Trigger() {
	f.triggers.Add(1)
}

type fakeStore struct {
	insertFn       func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error)
	claimNextFn    func(ctx context.Context, input store.ClaimInput) (models.Ticket, error)
	updateStatusFn func(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	getTicketFn    func(ctx context.Context, ticketID string) (models.Ticket, error)
	eventsFn       func(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
}

func (f *fakeStore) Insert(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, input)
	}
	return models.Ticket{}, errors.New("not implemented")
}

func (f *fakeStore) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	if f.claimNextFn != nil {
		return f.claimNextFn(ctx, input)
	}
	return models.Ticket{}, errors.New("not implemented")
}

func (f *fakeStore) UpdateStatus(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, input)
	}
	return models.Ticket{}, errors.New("not implemented")
}

func (f *fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getTicketFn != nil {
		return f.getTicketFn(ctx, ticketID)
	}
	return models.Ticket{}, store.ErrTicketNotFound
}

func (f *fakeStore) QueryRecent(ctx context.Context, window time.Duration) ([]models.Ticket, error) {
	return nil, nil
}

func (f *fakeStore) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if f.eventsFn != nil {
		return f.eventsFn(ctx, ticketID)
	}
	return nil, nil
}

func (f *fakeStore) Prune(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) Subscribe(ctx context.Context, onChange func()) (func(), error) {
	return func() {}, nil
}
