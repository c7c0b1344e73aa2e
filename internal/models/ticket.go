package models

import (
	"strings"
	"time"
)

type Department string

type Priority string

type Status string

const (
	DepartmentMedical Department = "MEDICAL"
	DepartmentDental  Department = "DENTAL"
)

const (
	PriorityNormal       Priority = "NORMAL"
	PriorityPreferential Priority = "PREFERENTIAL"
)

const (
	StatusWaiting  Status = "WAITING"
	StatusCalling  Status = "CALLING"
	StatusFinished Status = "FINISHED"
)

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	TicketNumber int64      `json:"ticket_number"`
	PatientName  string     `json:"patient_name"`
	CPF          string     `json:"cpf,omitempty"`
	Department   Department `json:"department"`
	Priority     Priority   `json:"priority"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DoctorName   *string    `json:"doctor_name,omitempty"`
	OfficeName   *string    `json:"office_name,omitempty"`
}

// CalledAtOrZero is the ordering key used for the active call and the
// display history; tickets that were never called sort last.
func (t Ticket) CalledAtOrZero() time.Time {
	if t.CalledAt == nil {
		return time.Time{}
	}
	return *t.CalledAt
}

func (t Ticket) Doctor() string {
	if t.DoctorName == nil {
		return ""
	}
	return *t.DoctorName
}

func (t Ticket) Office() string {
	if t.OfficeName == nil {
		return ""
	}
	return *t.OfficeName
}

func ParseDepartment(value string) (Department, bool) {
	switch Department(strings.ToUpper(strings.TrimSpace(value))) {
	case DepartmentMedical:
		return DepartmentMedical, true
	case DepartmentDental:
		return DepartmentDental, true
	default:
		return "", false
	}
}

func ParsePriority(value string) (Priority, bool) {
	switch Priority(strings.ToUpper(strings.TrimSpace(value))) {
	case PriorityNormal:
		return PriorityNormal, true
	case PriorityPreferential:
		return PriorityPreferential, true
	default:
		return "", false
	}
}

func Departments() []Department {
	return []Department{DepartmentMedical, DepartmentDental}
}
