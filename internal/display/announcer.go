package display

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/view"
)

const (
	EventTicketCalled   = "ticket.called"
	EventTicketRecalled = "ticket.recalled"
	EventBoardUpdated   = "board.updated"
)

type Announcement struct {
	Ticket models.Ticket `json:"ticket"`
	Text   string        `json:"text"`
	Recall bool          `json:"recall"`
}

// Tracker remembers the last active call it saw and reports when the active
// ticket or its calledAt changes. A changed calledAt on the same ticket is a
// recall.
type Tracker struct {
	mu           sync.Mutex
	lastID       string
	lastCalledAt time.Time
}

func (t *Tracker) Observe(active models.Ticket, ok bool) (Announcement, bool) {
	if !ok {
		return Announcement{}, false
	}
	calledAt := active.CalledAtOrZero()

	t.mu.Lock()
	defer t.mu.Unlock()
	if active.TicketID == t.lastID && calledAt.Equal(t.lastCalledAt) {
		return Announcement{}, false
	}
	recall := active.TicketID == t.lastID
	t.lastID = active.TicketID
	t.lastCalledAt = calledAt

	return Announcement{
		Ticket: active,
		Text:   AnnouncementText(active),
		Recall: recall,
	}, true
}

type Broadcaster interface {
	Broadcast(payload []byte, department models.Department)
}

type eventEnvelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// Announcer turns view snapshots into display events: an announcement for
// every new call or recall, scoped to the ticket's department, and a board
// update to everyone whenever the board changes.
type Announcer struct {
	out          Broadcaster
	tracker      Tracker
	historyLimit int
	now          func() time.Time

	mu        sync.Mutex
	lastBoard []byte
}

func NewAnnouncer(out Broadcaster, historyLimit int) *Announcer {
	return &Announcer{out: out, historyLimit: historyLimit, now: time.Now}
}

// Attach subscribes the announcer to v and returns the detach function.
func (a *Announcer) Attach(v *view.View) func() {
	return v.Watch(a.Handle)
}

func (a *Announcer) Handle(snapshot *view.Snapshot) {
	if snapshot == nil {
		return
	}

	active, ok := queue.ActiveCall(snapshot.Tickets)
	if announcement, changed := a.tracker.Observe(active, ok); changed {
		eventType := EventTicketCalled
		if announcement.Recall {
			eventType = EventTicketRecalled
		}
		a.send(eventType, announcement, announcement.Ticket.Department)
	}

	board := BuildBoard(snapshot.Tickets, a.historyLimit)
	encoded, err := json.Marshal(board)
	if err != nil {
		log.Error().Err(err).Msg("encode board")
		return
	}
	a.mu.Lock()
	unchanged := bytes.Equal(encoded, a.lastBoard)
	a.lastBoard = encoded
	a.mu.Unlock()
	if !unchanged {
		a.send(EventBoardUpdated, board, "")
	}
}

func (a *Announcer) send(eventType string, payload interface{}, department models.Department) {
	data, err := json.Marshal(eventEnvelope{Type: eventType, Payload: payload, CreatedAt: a.now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("encode display event")
		return
	}
	a.out.Broadcast(data, department)
}
