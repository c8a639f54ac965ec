// Package events defines the configuration-change events the registry
// publishes and the gateway consumes, plus the debounced publisher.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the channel.
const (
	TypeRouteChange               = "ROUTE_CHANGE"
	TypeRateLimitConfigChange     = "RATE_LIMIT_CONFIG_CHANGE"
	TypeServiceHealthChange       = "SERVICE_HEALTH_CHANGE"
	TypeClientAccessControlUpdate = "CLIENT_ACCESS_CONTROL_UPDATED"
)

// RouteChangeEvent is the wire form of a configuration change. Subscribers
// must tolerate unknown fields; Routes and Operation are optional.
type RouteChangeEvent struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"eventType"`
	Services  []string  `json:"services"`
	Routes    []string  `json:"routes,omitempty"`
	Operation string    `json:"operation,omitempty"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType string, services, routes []string) RouteChangeEvent {
	return RouteChangeEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Services:  services,
		Routes:    routes,
	}
}

// Marshal serializes the event to JSON.
func (e RouteChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an event. Errors are the caller's malformed-event signal.
func Unmarshal(data []byte) (RouteChangeEvent, error) {
	var e RouteChangeEvent
	err := json.Unmarshal(data, &e)
	return e, err
}
