package engine

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/docker/docker/api/types/filters"
)

// HealthEvent is one line of the engine event stream. Newer daemons may omit
// the legacy status and id fields, so Action and Actor.ID are used as
// fallbacks.
type HealthEvent struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	Action string `json:"Action"`
	Actor  struct {
		ID string `json:"ID"`
	} `json:"Actor"`
}

// ContainerID returns the id the event refers to.
func (e HealthEvent) ContainerID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Actor.ID
}

// RawStatus returns the composite "<lifecycle>: <health>" status.
func (e HealthEvent) RawStatus() string {
	if e.Status != "" {
		return e.Status
	}
	return e.Action
}

// parseHealthStatus splits status on its first colon. Both parts are trimmed.
func parseHealthStatus(status string) (lifecycle, health string, err error) {
	lifecycle, health, ok := strings.Cut(status, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedStatus, status)
	}
	return strings.TrimSpace(lifecycle), strings.TrimSpace(health), nil
}

// decodeHealthEvent parses one stream line into an event and its health token.
func decodeHealthEvent(line []byte) (HealthEvent, string, error) {
	var ev HealthEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, "", fmt.Errorf("decode event: %w", err)
	}
	if ev.ContainerID() == "" {
		return ev, "", fmt.Errorf("%w: event has no container id", ErrMalformedStatus)
	}
	_, health, err := parseHealthStatus(ev.RawStatus())
	if err != nil {
		return ev, "", err
	}
	return ev, health, nil
}

// healthEventsQuery is the percent-encoded filter selecting health_status events.
func healthEventsQuery() (string, error) {
	raw, err := filters.ToJSON(filters.NewArgs(filters.Arg("event", "health_status")))
	if err != nil {
		return "", fmt.Errorf("encode event filter: %w", err)
	}
	return "filters=" + url.QueryEscape(raw), nil
}
