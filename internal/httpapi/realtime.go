package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog/log"

	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/models"
)

const realtimeSendBuffer = 16

// NewRealtimeHandler serves the display stream over SockJS under prefix.
// A client starts subscribed to the department named in the "department"
// query parameter, or to all departments, and may change that with
// subscribe and unsubscribe messages.
func NewRealtimeHandler(prefix string, h *hub.Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		var sub hub.Subscription
		if req := session.Request(); req != nil {
			if raw := strings.TrimSpace(req.URL.Query().Get("department")); raw != "" {
				dept, ok := models.ParseDepartment(raw)
				if !ok {
					_ = session.Close(4000, "unknown department")
					return
				}
				sub.Department = dept
			}
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, realtimeSendBuffer), Subscription: sub}
		h.Register(client)
		defer h.Unregister(client)
		log.Debug().Str("client_id", client.ID).Str("department", string(sub.Department)).Msg("display connected")

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{Department: models.Department(parsed.Department)})
		}
	})
}
