package schema

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the server's datetime format. Values are UTC.
const TimeLayout = "2006-01-02 15:04:05"

// ParseTime parses a server timestamp. Empty or malformed input yields the
// zero time and false.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatTime renders t in the server format, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func setIf(f Fields, name, value string) {
	if value != "" {
		f[name] = value
	}
}

// setDate writes a date and its companion "unset" flag, when the schema has one.
func setDate(f Fields, name, flag string, t time.Time) {
	if t.IsZero() {
		if flag != "" {
			f[flag] = "1"
		}
		return
	}
	f[name] = FormatTime(t)
	if flag != "" {
		f[flag] = "0"
	}
}

// getDate reads a date, honouring the companion flag when present.
func getDate(f Fields, name, flag string) time.Time {
	if flag != "" && f.Get(flag) == "1" {
		return time.Time{}
	}
	t, _ := ParseTime(f.Get(name))
	return t
}

type contactCodec struct{}

func (contactCodec) Decode(f Fields) (Payload, error) {
	c := Contact{
		GivenName:  f.Get("first_name"),
		FamilyName: f.Get("last_name"),
	}
	if e := strings.TrimSpace(f.Get("email1")); e != "" {
		c.Emails = []string{e}
	}
	return c, nil
}

func (contactCodec) Encode(p Payload) (Fields, error) {
	c, ok := p.(Contact)
	if !ok {
		return nil, fmt.Errorf("contact codec: unexpected payload %T", p)
	}
	f := Fields{}
	setIf(f, "first_name", c.GivenName)
	setIf(f, "last_name", c.FamilyName)
	if len(c.Emails) > 0 {
		setIf(f, "email1", c.Emails[0])
	}
	return f, nil
}

type taskCodec struct{}

func (taskCodec) Decode(f Fields) (Payload, error) {
	return Task{
		Name:        f.Get("name"),
		Description: f.Get("description"),
		Due:         getDate(f, "date_due", "date_due_flag"),
		Start:       getDate(f, "date_start", "date_start_flag"),
	}, nil
}

func (taskCodec) Encode(p Payload) (Fields, error) {
	t, ok := p.(Task)
	if !ok {
		return nil, fmt.Errorf("task codec: unexpected payload %T", p)
	}
	f := Fields{}
	setIf(f, "name", t.Name)
	setIf(f, "description", t.Description)
	setDate(f, "date_due", "date_due_flag", t.Due)
	setDate(f, "date_start", "date_start_flag", t.Start)
	return f, nil
}

type caseCodec struct{}

func (caseCodec) Decode(f Fields) (Payload, error) {
	return Case{
		Name:        f.Get("name"),
		Description: f.Get("description"),
		CaseNumber:  f.Get("case_number"),
		Due:         getDate(f, "date_due", ""),
		Start:       getDate(f, "date_start", "date_start_flag"),
	}, nil
}

func (caseCodec) Encode(p Payload) (Fields, error) {
	c, ok := p.(Case)
	if !ok {
		return nil, fmt.Errorf("case codec: unexpected payload %T", p)
	}
	f := Fields{}
	setIf(f, "name", c.Name)
	setIf(f, "description", c.Description)
	setIf(f, "case_number", c.CaseNumber)
	setDate(f, "date_due", "", c.Due)
	setDate(f, "date_start", "date_start_flag", c.Start)
	return f, nil
}
