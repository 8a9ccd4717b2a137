package monitor

import (
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/jamalex/notion-py/pkg/models"
)

const (
	registerSubscription = "/api/v1/registerSubscription"
	eventNotification    = "notification"

	versionsPrefix   = "versions/"
	collectionPrefix = "collection/"

	primusPing = "primus::ping::"
	primusPong = "primus::pong::"
)

// Subscription is one record the listener watches.
type Subscription struct {
	Key models.RecordKey
	// Version is the last known version, -1 when unknown.
	Version int64
	// Collection also watches the collection's row membership.
	Collection bool
}

type subscribeRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Key       string `json:"key"`
	Version   int64  `json:"version"`
}

func versionsKey(k models.RecordKey) string {
	return fmt.Sprintf("%s%s:%s", versionsPrefix, k.ID, k.Table)
}

// subscribePackets builds the register messages for one subscription.
func subscribePackets(sub Subscription) ([]Packet, error) {
	reqs := []subscribeRequest{{
		Type:      registerSubscription,
		RequestID: models.NewID(),
		Key:       versionsKey(sub.Key),
		Version:   sub.Version,
	}}
	if sub.Collection {
		reqs = append(reqs, subscribeRequest{
			Type:      registerSubscription,
			RequestID: models.NewID(),
			Key:       collectionPrefix + sub.Key.ID,
			Version:   -1,
		})
	}

	packets := make([]Packet, 0, len(reqs))
	for _, r := range reqs {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		packets = append(packets, Message(string(data)))
	}
	return packets, nil
}

// EventKind classifies a push message.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventVersion
	EventCollection
)

// Event is a decoded notification.
type Event struct {
	Kind EventKind
	// Key is set for version events.
	Key     models.RecordKey
	Version int64
	// CollectionID is set for collection events.
	CollectionID string
}

// parseEvent reads a message packet body. Non-object bodies and messages
// that are not notifications come back as EventIgnored.
func parseEvent(data []byte) (Event, error) {
	if len(data) == 0 || data[0] != '{' {
		return Event{}, nil
	}
	typ, err := jsonparser.GetString(data, "type")
	if err != nil || typ != eventNotification {
		return Event{}, nil
	}
	key, err := jsonparser.GetString(data, "key")
	if err != nil {
		return Event{}, fmt.Errorf("notification without key: %w", err)
	}

	switch {
	case strings.HasPrefix(key, versionsPrefix):
		id, table, ok := strings.Cut(strings.TrimPrefix(key, versionsPrefix), ":")
		if !ok || id == "" || table == "" {
			return Event{}, fmt.Errorf("malformed versions key %q", key)
		}
		rk, err := models.NewRecordKey(models.Table(table), id)
		if err != nil {
			return Event{}, err
		}
		v, err := jsonparser.GetFloat(data, "value")
		if err != nil {
			return Event{}, fmt.Errorf("notification %q without version: %w", key, err)
		}
		return Event{Kind: EventVersion, Key: rk, Version: int64(v)}, nil

	case strings.HasPrefix(key, collectionPrefix):
		id, err := models.ExtractID(strings.TrimPrefix(key, collectionPrefix))
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventCollection, CollectionID: id}, nil
	}
	return Event{}, nil
}

// pongFor answers a primus keepalive. ok is false for any other message.
func pongFor(data string) (Packet, bool) {
	raw := strings.Trim(data, `"`)
	if !strings.HasPrefix(raw, primusPing) {
		return Packet{}, false
	}
	return Message(`"` + primusPong + strings.TrimPrefix(raw, primusPing) + `"`), true
}
