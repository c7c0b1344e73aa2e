package notify

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func TestLocalPublishAndUnsubscribe(t *testing.T) {
	local := NewLocal()
	ctx := context.Background()

	var first, second atomic.Int32
	unsubscribeFirst, err := local.Subscribe(ctx, func() { first.Add(1) })
	require.NoError(t, err)
	_, err = local.Subscribe(ctx, func() { second.Add(1) })
	require.NoError(t, err)

	require.NoError(t, local.Publish(ctx, "t1"))
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())

	unsubscribeFirst()
	unsubscribeFirst()
	assert.Equal(t, 1, local.subscriberCount())

	require.NoError(t, local.Publish(ctx, "t2"))
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(2), second.Load())

	require.NoError(t, local.Close())
	assert.Equal(t, 0, local.subscriberCount())
}

type fakeStore struct {
	store.TicketStore
	insertFn    func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error)
	claimNextFn func(ctx context.Context, input store.ClaimInput) (models.Ticket, error)
	pruneFn     func(ctx context.Context, before time.Time) (int, error)
}

func (f *fakeStore) Insert(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	return f.insertFn(ctx, input)
}

func (f *fakeStore) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	return f.claimNextFn(ctx, input)
}

func (f *fakeStore) Prune(ctx context.Context, before time.Time) (int, error) {
	return f.pruneFn(ctx, before)
}

type recordingNotifier struct {
	*Local
	published []string
	err       error
}

func (r *recordingNotifier) Publish(ctx context.Context, ticketID string) error {
	r.published = append(r.published, ticketID)
	return r.err
}

func TestWrapPublishesOnlyAfterSuccessfulWrites(t *testing.T) {
	notifier := &recordingNotifier{Local: NewLocal()}
	inner := &fakeStore{
		insertFn: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
			return models.Ticket{TicketID: "t1"}, nil
		},
		claimNextFn: func(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
			return models.Ticket{}, store.ErrNoTicket
		},
		pruneFn: func(ctx context.Context, before time.Time) (int, error) {
			return 0, nil
		},
	}
	wrapped := Wrap(inner, notifier)
	ctx := context.Background()

	_, err := wrapped.Insert(ctx, store.CreateTicketInput{})
	require.NoError(t, err)
	_, err = wrapped.ClaimNext(ctx, store.ClaimInput{})
	assert.ErrorIs(t, err, store.ErrNoTicket)
	_, err = wrapped.Prune(ctx, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, notifier.published)
}

func TestWrapIgnoresPublishFailure(t *testing.T) {
	notifier := &recordingNotifier{Local: NewLocal(), err: errors.New("redis down")}
	inner := &fakeStore{
		insertFn: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
			return models.Ticket{TicketID: "t1", TicketNumber: 7}, nil
		},
	}

	ticket, err := Wrap(inner, notifier).Insert(context.Background(), store.CreateTicketInput{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), ticket.TicketNumber)
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis integration tests")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())

	notifier := NewRedisWithClient(client, "clinic:test:"+time.Now().Format("150405.000000"))
	t.Cleanup(func() { _ = notifier.Close() })

	changed := make(chan struct{}, 1)
	unsubscribe, err := notifier.Subscribe(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, notifier.Publish(ctx, "t1"))
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("expected redis notification")
	}
}
