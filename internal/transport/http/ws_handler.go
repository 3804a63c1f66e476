package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// AlertFeed streams operational alerts to operators over a websocket.
type AlertFeed struct {
	alerts   *app.AlertHub
	upgrader websocket.Upgrader
}

func NewAlertFeed(alerts *app.AlertHub) *AlertFeed {
	return &AlertFeed{
		alerts: alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS sends a snapshot of recent alerts, then every new alert matching the
// optional kind filter until the client disconnects.
func (f *AlertFeed) ServeWS(w http.ResponseWriter, r *http.Request) {
	kind := domain.AlertKind(r.URL.Query().Get("kind"))

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// subscribe before the snapshot so nothing raised in between is lost
	alerts, cancel := f.alerts.Subscribe()
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	alertsDone := make(chan struct{})

	// single writer; gorilla connections allow one concurrent writer
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "snapshot", Payload: f.alerts.Recent(kind)}

	go func() {
		defer close(alertsDone)
		for {
			select {
			case alert, ok := <-alerts:
				if !ok {
					return
				}
				if kind != "" && alert.Kind != kind {
					continue
				}
				select {
				case send <- outboundMessage[any]{Type: "alert", Payload: alert}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "ping":
			send <- outboundMessage[any]{Type: "pong", Payload: struct{}{}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-alertsDone
	close(send)
	<-writerDone
}
