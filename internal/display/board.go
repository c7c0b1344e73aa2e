package display

import (
	"fmt"
	"sort"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
)

const DefaultHistoryLimit = 4

// Board is what the waiting-room screen shows: the ticket being called now,
// the few calls before it and how many patients wait per department.
type Board struct {
	Active  *models.Ticket            `json:"active"`
	History []models.Ticket           `json:"history"`
	Waiting map[models.Department]int `json:"waiting"`
}

func BuildBoard(tickets []models.Ticket, historyLimit int) Board {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	board := Board{
		History: make([]models.Ticket, 0, historyLimit),
		Waiting: make(map[models.Department]int, len(models.Departments())),
	}
	for _, dept := range models.Departments() {
		board.Waiting[dept] = queue.WaitingCount(tickets, dept)
	}

	activeID := ""
	if active, ok := queue.ActiveCall(tickets); ok {
		board.Active = &active
		activeID = active.TicketID
	}

	history := make([]models.Ticket, 0)
	for _, ticket := range tickets {
		if ticket.TicketID == activeID {
			continue
		}
		if ticket.Status == models.StatusCalling || ticket.Status == models.StatusFinished {
			history = append(history, ticket)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CalledAtOrZero().After(history[j].CalledAtOrZero())
	})
	if len(history) > historyLimit {
		history = history[:historyLimit]
	}
	board.History = append(board.History, history...)
	return board
}

// AnnouncementText is the sentence read out when a ticket is called, e.g.
// "Senha 12, preferencial. Maria Silva. Comparecer ao Consultório 3."
func AnnouncementText(ticket models.Ticket) string {
	location := strings.TrimSpace(ticket.Office())
	if location == "" {
		doctor := strings.TrimSpace(ticket.Doctor())
		if doctor == "" {
			doctor = "doutor"
		}
		location = "Consultório do " + doctor
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Senha %d", ticket.TicketNumber)
	if ticket.Priority == models.PriorityPreferential {
		b.WriteString(", preferencial")
	}
	fmt.Fprintf(&b, ". %s. Comparecer ao %s.", ticket.PatientName, location)
	return b.String()
}
