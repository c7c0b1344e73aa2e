package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"qms/clinic-queue/internal/display"
	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
)

const requestIDHeader = "X-Request-ID"

// Queue is the part of the engine the stations talk to.
type Queue interface {
	SubmitTicket(ctx context.Context, input queue.SubmitTicketInput) (models.Ticket, error)
	CallNext(ctx context.Context, input queue.CallNextInput) (models.Ticket, error)
	Recall(ctx context.Context, ticketID string) (models.Ticket, error)
	Finish(ctx context.Context, ticketID string) (models.Ticket, error)
	Requeue(ctx context.Context, input queue.RequeueInput) (models.Ticket, error)
	TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	Tickets() []models.Ticket
	WaitingCount(dept models.Department) int
	ActiveCall() (models.Ticket, bool)
	Queue(dept models.Department) []models.Ticket
	CurrentPatient(dept models.Department, doctorName string) (models.Ticket, bool)
	Search(term string) []models.Ticket
}

type Handler struct {
	queue        Queue
	historyLimit int
	realtime     http.Handler
}

type Options struct {
	HistoryLimit int
	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler
}

type createTicketRequest struct {
	PatientName string `json:"patient_name"`
	CPF         string `json:"cpf"`
	Department  string `json:"department"`
	Priority    string `json:"priority"`
}

type callNextRequest struct {
	Department string `json:"department"`
	DoctorName string `json:"doctor_name"`
	OfficeName string `json:"office_name"`
}

type requeueRequest struct {
	Department string `json:"department"`
	Priority   string `json:"priority"`
}

type queueResponse struct {
	Department   models.Department `json:"department"`
	WaitingCount int               `json:"waiting_count"`
	Tickets      []models.Ticket   `json:"tickets"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(q Queue, options Options) *Handler {
	return &Handler{
		queue:        q,
		historyLimit: options.HistoryLimit,
		realtime:     options.Realtime,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tickets", h.handleCreateTicket)
		r.Get("/tickets", h.handleListTickets)
		r.Post("/tickets/actions/call-next", h.handleCallNext)
		r.Get("/tickets/{ticketID}/events", h.handleTicketEvents)
		r.Post("/tickets/{ticketID}/actions/recall", h.handleRecall)
		r.Post("/tickets/{ticketID}/actions/finish", h.handleFinish)
		r.Post("/tickets/{ticketID}/actions/requeue", h.handleRequeue)
		r.Get("/queues/{department}", h.handleQueue)
		r.Get("/active", h.handleActive)
		r.Get("/board", h.handleBoard)
		r.Get("/doctors/current", h.handleCurrentPatient)
	})

	if h.realtime != nil {
		r.Handle("/realtime/*", h.realtime)
	}
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ticket, err := h.queue.SubmitTicket(r.Context(), queue.SubmitTicketInput{
		PatientName: req.PatientName,
		CPF:         req.CPF,
		Department:  models.Department(req.Department),
		Priority:    models.Priority(req.Priority),
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Search(r.URL.Query().Get("q")))
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ticket, err := h.queue.CallNext(r.Context(), queue.CallNextInput{
		Department: models.Department(req.Department),
		DoctorName: req.DoctorName,
		OfficeName: req.OfficeName,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.queue.TicketEvents(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.queue.Recall)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.queue.Finish)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) (models.Ticket, error)) {
	ticket, err := action(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	ticket, err := h.queue.Requeue(r.Context(), queue.RequeueInput{
		TicketID:   chi.URLParam(r, "ticketID"),
		Department: models.Department(strings.TrimSpace(req.Department)),
		Priority:   models.Priority(strings.TrimSpace(req.Priority)),
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	dept, ok := models.ParseDepartment(chi.URLParam(r, "department"))
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "unknown department")
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		Department:   dept,
		WaitingCount: h.queue.WaitingCount(dept),
		Tickets:      h.queue.Queue(dept),
	})
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	ticket, ok := h.queue.ActiveCall()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, display.BuildBoard(h.queue.Tickets(), h.historyLimit))
}

func (h *Handler) handleCurrentPatient(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	dept, ok := models.ParseDepartment(query.Get("department"))
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "unknown department")
		return
	}
	doctor := strings.TrimSpace(query.Get("doctor_name"))
	if doctor == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "doctor_name is required")
		return
	}
	ticket, found := h.queue.CurrentPatient(dept, doctor)
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for bodies that may be absent; an empty
// body, chunked or not, leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, queue.ErrEmptyQueue):
		return http.StatusConflict, "queue_empty", "no waiting ticket in this department"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrDuplicateNumber):
		return http.StatusConflict, "duplicate_number", "ticket number already taken"
	case errors.Is(err, store.ErrCorruptHistory):
		return http.StatusInternalServerError, "corrupt_history", "ticket history failed verification"
	default:
		return http.StatusServiceUnavailable, "store_unavailable", "ticket store unavailable"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Str("request_id", requestID(r)).Msg("request failed")
	}
	writeError(w, requestID(r), status, code, message)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
