package types

import (
	"encoding/json"
	"time"
)

// ResultEntry is one immutable item in a (user, category) log. The server
// assigns ID and Timestamp at append time; Payload is opaque to the core.
type ResultEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Envelope is the push message shape written onto an app channel by
// SmartBroadcast: the topic (category name), the user the result belongs
// to, and the result payload.
type Envelope struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

// AppRegistration holds the metadata an external app supplies when it
// registers for the push feed. The live channel itself is broker state, not
// part of the registration record.
type AppRegistration struct {
	AppID          string   `json:"app_id"`
	AppName        string   `json:"app_name"`
	AppDescription string   `json:"app_description"`
	WebhookURL     string   `json:"app_webhook_url"`
	ChannelAddress string   `json:"channel_address"`
	Subscriptions  []string `json:"subscriptions"`
}

// SubscribedTo reports whether the registration's subscription set matches
// the topic, either literally or through the wildcard.
func (r AppRegistration) SubscribedTo(topic string) bool {
	for _, s := range r.Subscriptions {
		if s == topic || s == TopicWildcard {
			return true
		}
	}
	return false
}
