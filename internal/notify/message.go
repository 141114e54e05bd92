// Package notify implements the central notification router, the namespace
// manager for attached connections, the bounded per-user history and the
// typed message taxonomy with its category adapters.
package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type is the display class of a notification.
type Type string

const (
	TypeInfo    Type = "INFO"
	TypeSuccess Type = "SUCCESS"
	TypeWarning Type = "WARNING"
	TypeError   Type = "ERROR"
)

// Category tags a notification and determines which roles may receive it.
type Category string

const (
	CategorySystem      Category = "SYSTEM"
	CategoryAdmin       Category = "ADMIN"
	CategorySecurity    Category = "SECURITY"
	CategoryStorage     Category = "STORAGE"
	CategoryPerformance Category = "PERFORMANCE"
	CategoryPlatform    Category = "PLATFORM"
	CategoryDashboard   Category = "DASHBOARD"
	CategoryMonitoring  Category = "MONITORING"
	CategoryHealth      Category = "HEALTH"
)

// AdminOnly reports whether the category is restricted to admin contexts.
func (c Category) AdminOnly() bool {
	return c == CategoryAdmin || c == CategorySecurity
}

// Priority is the urgency tag used for throttling. Critical bypasses the
// recipient-side throttle entirely.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

var ErrMissingField = errors.New("missing required message field")

// Message is the notification envelope. Identity is ID; a nil UserID means
// broadcast. Messages are immutable once constructed.
type Message struct {
	ID        string
	Type      Type
	Category  Category
	Priority  Priority
	Title     string
	Body      string
	UserID    *int64
	Data      map[string]interface{}
	CreatedAt time.Time
}

// NewMessage builds an envelope with a fresh id. Title and body are required;
// a missing field is a construction error, not a silently defaulted value.
func NewMessage(msgType Type, category Category, priority Priority, title, body string) (Message, error) {
	if title == "" || body == "" {
		return Message{}, ErrMissingField
	}
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Category:  category,
		Priority:  priority,
		Title:     title,
		Body:      body,
		Data:      map[string]interface{}{},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// WithData returns a copy of m carrying the extra category-specific fields.
func (m Message) WithData(data map[string]interface{}) Message {
	merged := make(map[string]interface{}, len(m.Data)+len(data))
	for k, v := range m.Data {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	m.Data = merged
	return m
}

// reserved wire keys; everything else round-trips through Data.
var wireKeys = map[string]struct{}{
	"id": {}, "type": {}, "category": {}, "priority": {},
	"title": {}, "message": {}, "created_at": {},
}

// ToWire renders the flat wire object: base fields plus the category-specific
// Data entries flattened in.
func (m Message) ToWire() map[string]interface{} {
	wire := make(map[string]interface{}, 7+len(m.Data))
	for k, v := range m.Data {
		if _, reserved := wireKeys[k]; reserved {
			continue
		}
		wire[k] = v
	}
	wire["id"] = m.ID
	wire["type"] = string(m.Type)
	wire["category"] = string(m.Category)
	wire["priority"] = string(m.Priority)
	wire["title"] = m.Title
	wire["message"] = m.Body
	wire["created_at"] = m.CreatedAt.Format(time.RFC3339Nano)
	return wire
}

// MarshalWire encodes the wire object as JSON.
func (m Message) MarshalWire() ([]byte, error) {
	return json.Marshal(m.ToWire())
}

// FromWire reconstructs a message from its flat wire object. Unknown keys
// land back in Data.
func FromWire(wire map[string]interface{}) (Message, error) {
	id, _ := wire["id"].(string)
	title, _ := wire["title"].(string)
	body, _ := wire["message"].(string)
	if id == "" || title == "" || body == "" {
		return Message{}, ErrMissingField
	}
	m := Message{
		ID:       id,
		Title:    title,
		Body:     body,
		Data:     map[string]interface{}{},
		Type:     TypeInfo,
		Category: CategorySystem,
		Priority: PriorityNormal,
	}
	if v, ok := wire["type"].(string); ok && v != "" {
		m.Type = Type(v)
	}
	if v, ok := wire["category"].(string); ok && v != "" {
		m.Category = Category(v)
	}
	if v, ok := wire["priority"].(string); ok && v != "" {
		m.Priority = Priority(v)
	}
	if v, ok := wire["created_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.CreatedAt = ts
		}
	}
	for k, v := range wire {
		if _, reserved := wireKeys[k]; reserved {
			continue
		}
		m.Data[k] = v
	}
	return m, nil
}

// UnmarshalWire decodes a JSON wire object.
func UnmarshalWire(raw []byte) (Message, error) {
	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, err
	}
	return FromWire(wire)
}
