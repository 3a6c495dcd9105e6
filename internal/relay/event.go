package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Broadcast addresses every other viewer of the session.
const Broadcast = ""

// AnySlide marks an event that is not bound to a slide.
const AnySlide = -1

// Event is one relay message between viewers of a session. From, Session and
// Admin are stamped by the host and cannot be asserted by a sender.
type Event struct {
	ID      string          `json:"id"`
	Session string          `json:"session"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Slide   int             `json:"slide"`
	Channel string          `json:"channel"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Admin   bool            `json:"admin"`
	SentAt  time.Time       `json:"sentAt"`
}

// NewEvent builds an event with a fresh id and a JSON payload.
func NewEvent(to string, slide int, channel, action string, payload any) (Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("relay: event id: %w", err)
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("relay: encode payload: %w", err)
		}
		raw = encoded
	}
	return Event{
		ID:      id.String(),
		To:      to,
		Slide:   slide,
		Channel: channel,
		Action:  action,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Channel joins a plugin and method into a channel name, with an optional
// slide suffix when slide > 0: Discuss.activeNotify.3.
func Channel(plugin, method string, slide int) string {
	channel := plugin + "." + method
	if slide > 0 {
		channel += "." + strconv.Itoa(slide)
	}
	return channel
}

// Route is a parsed channel name. Slide is 0 for plugin-wide channels.
type Route struct {
	Plugin string
	Method string
	Slide  int
}

// ParseChannel splits a channel name produced by Channel.
func ParseChannel(channel string) (Route, error) {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Route{}, fmt.Errorf("relay: malformed channel %q", channel)
	}
	route := Route{Plugin: parts[0], Method: parts[1]}
	if len(parts) == 3 {
		slide, err := strconv.Atoi(parts[2])
		if err != nil || slide < 1 {
			return Route{}, fmt.Errorf("relay: malformed channel slide %q", channel)
		}
		route.Slide = slide
	}
	return route, nil
}
