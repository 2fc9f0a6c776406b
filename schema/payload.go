package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the shape of a local payload.
type Kind string

const (
	KindContact Kind = "contact"
	KindTask    Kind = "task"
	KindCase    Kind = "case"
)

// Payload is the local representation of one remote record.
type Payload interface {
	Kind() Kind
}

// Contact is an address book entry. Used for Contacts and Leads.
type Contact struct {
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Emails     []string `json:"emails,omitempty"`
}

func (Contact) Kind() Kind { return KindContact }

// Task is a to-do with optional due and start times.
type Task struct {
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Due         time.Time `json:"due,omitempty"`
	Start       time.Time `json:"start,omitempty"`
}

func (Task) Kind() Kind { return KindTask }

// Case is a support case. CaseNumber is assigned by the server.
type Case struct {
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	CaseNumber  string    `json:"case_number,omitempty"`
	Due         time.Time `json:"due,omitempty"`
	Start       time.Time `json:"start,omitempty"`
}

func (Case) Kind() Kind { return KindCase }

// MarshalPayload serializes p for storage. The kind is stored separately.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload restores a payload previously written by MarshalPayload.
func UnmarshalPayload(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindContact:
		var c Contact
		err := json.Unmarshal(data, &c)
		return c, err
	case KindTask:
		var t Task
		err := json.Unmarshal(data, &t)
		return t, err
	case KindCase:
		var c Case
		err := json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
}
