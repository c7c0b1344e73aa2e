package queue

import (
	"sort"
	"strconv"
	"strings"

	"qms/clinic-queue/internal/models"
)

// CallsBefore reports whether a is called before b: any preferential ticket
// precedes any normal one, then oldest first, then lowest number.
func CallsBefore(a, b models.Ticket) bool {
	aPref := a.Priority == models.PriorityPreferential
	bPref := b.Priority == models.PriorityPreferential
	if aPref != bPref {
		return aPref
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketNumber < b.TicketNumber
}

// Waiting returns the WAITING tickets of dept in call order.
func Waiting(tickets []models.Ticket, dept models.Department) []models.Ticket {
	out := make([]models.Ticket, 0)
	for _, ticket := range tickets {
		if ticket.Department == dept && ticket.Status == models.StatusWaiting {
			out = append(out, ticket)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CallsBefore(out[i], out[j])
	})
	return out
}

func WaitingCount(tickets []models.Ticket, dept models.Department) int {
	count := 0
	for _, ticket := range tickets {
		if ticket.Department == dept && ticket.Status == models.StatusWaiting {
			count++
		}
	}
	return count
}

// ActiveCall returns the CALLING ticket with the latest calledAt across all
// departments. Equal calledAt values resolve to the higher ticket number.
func ActiveCall(tickets []models.Ticket) (models.Ticket, bool) {
	return latestCalling(tickets, func(models.Ticket) bool { return true })
}

// CurrentPatient returns the ticket the doctor is attending in dept. Doctor
// names compare case-insensitively after trimming.
func CurrentPatient(tickets []models.Ticket, dept models.Department, doctorName string) (models.Ticket, bool) {
	doctorName = strings.TrimSpace(doctorName)
	if doctorName == "" {
		return models.Ticket{}, false
	}
	return latestCalling(tickets, func(ticket models.Ticket) bool {
		return ticket.Department == dept && strings.EqualFold(strings.TrimSpace(ticket.Doctor()), doctorName)
	})
}

func latestCalling(tickets []models.Ticket, keep func(models.Ticket) bool) (models.Ticket, bool) {
	var active models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusCalling || !keep(ticket) {
			continue
		}
		if !found || calledAfter(ticket, active) {
			active = ticket
			found = true
		}
	}
	return active, found
}

func calledAfter(a, b models.Ticket) bool {
	aCalled, bCalled := a.CalledAtOrZero(), b.CalledAtOrZero()
	if !aCalled.Equal(bCalled) {
		return aCalled.After(bCalled)
	}
	return a.TicketNumber > b.TicketNumber
}

// Search matches the patient name case-insensitively and the cpf and ticket
// number as substrings. Results are newest first; a blank term matches all.
func Search(tickets []models.Ticket, term string) []models.Ticket {
	term = strings.TrimSpace(term)
	needle := strings.ToLower(term)

	out := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if term == "" ||
			strings.Contains(strings.ToLower(ticket.PatientName), needle) ||
			(ticket.CPF != "" && strings.Contains(ticket.CPF, term)) ||
			strings.Contains(strconv.FormatInt(ticket.TicketNumber, 10), term) {
			out = append(out, ticket)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TicketNumber > out[j].TicketNumber
	})
	return out
}
