// Package remotetest provides an in-memory remote.Transport for tests.
package remotetest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/schema"
)

// Transport is an in-memory CRM. Records are kept per module in insertion
// order; timestamps come from Now, which by default ticks one second per
// write starting at 2024-01-01 00:00:00 UTC.
type Transport struct {
	mu sync.Mutex

	// Users maps user name to password hash. Empty accepts any login.
	Users map[string]string

	// Modules is what AvailableModules reports.
	Modules []string

	// MaxPageSize caps MaxResults when positive.
	MaxPageSize int

	// Now supplies record timestamps.
	Now func() time.Time

	// Block, when set, makes every call wait until its context is done.
	Block bool

	// OnCall, when set, runs at the start of every call with the method
	// name, outside the fake's lock.
	OnCall func(method string)

	records  map[string][]schema.Fields
	sessions map[string]bool
	failures map[string][]error
	calls    map[string]int
	requests []remote.EntryListRequest
	nextID   int
	clock    time.Time
}

// New returns an empty fake with the default modules.
func New() *Transport {
	t := &Transport{
		Modules:  []string{"Contacts", "Leads", "Tasks", "Cases", "Accounts"},
		records:  make(map[string][]schema.Fields),
		sessions: make(map[string]bool),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	t.Now = t.tick
	return t
}

func (t *Transport) tick() time.Time {
	t.clock = t.clock.Add(time.Second)
	return t.clock
}

// FailNext queues err to be returned by the next call of method.
func (t *Transport) FailNext(method string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[method] = append(t.failures[method], err)
}

// ExpireSessions invalidates every issued session.
func (t *Transport) ExpireSessions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]bool)
}

// Calls returns how many times method was invoked.
func (t *Transport) Calls(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[method]
}

// ListRequests returns every get_entry_list request received.
func (t *Transport) ListRequests() []remote.EntryListRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]remote.EntryListRequest(nil), t.requests...)
}

// Put stores or replaces a record and returns its id. Missing id and
// timestamps are filled in.
func (t *Transport) Put(module string, fields schema.Fields) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := fields.Clone()
	if f.Get("id") == "" {
		t.nextID++
		f["id"] = fmt.Sprintf("%s-%d", module, t.nextID)
	}
	now := schema.FormatTime(t.Now())
	if f.Get("date_entered") == "" {
		f["date_entered"] = now
	}
	if f.Get("date_modified") == "" {
		f["date_modified"] = now
	}
	if f.Get("deleted") == "" {
		f["deleted"] = "0"
	}
	if i := t.indexLocked(module, f["id"]); i >= 0 {
		t.records[module][i] = f
	} else {
		t.records[module] = append(t.records[module], f)
	}
	return f["id"]
}

// Record returns a copy of a stored record, including deleted ones.
func (t *Transport) Record(module, id string) (schema.Fields, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(module, id)
	if i < 0 {
		return nil, false
	}
	return t.records[module][i].Clone(), true
}

// Len returns the number of live records in module.
func (t *Transport) Len(module string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.records[module] {
		if r["deleted"] != "1" {
			n++
		}
	}
	return n
}

func (t *Transport) indexLocked(module, id string) int {
	for i, r := range t.records[module] {
		if r["id"] == id {
			return i
		}
	}
	return -1
}

// enter records the call and returns a queued failure, if any.
func (t *Transport) enter(ctx context.Context, method string) error {
	t.mu.Lock()
	t.calls[method]++
	block := t.Block
	hook := t.OnCall
	var err error
	if q := t.failures[method]; len(q) > 0 {
		err, t.failures[method] = q[0], q[1:]
	}
	t.mu.Unlock()

	if hook != nil {
		hook(method)
	}

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Transport) checkSessionLocked(session string) error {
	if !t.sessions[session] {
		return &remote.Fault{Number: remote.FaultInvalidSession, Name: "Invalid Session ID", Description: "The session ID is invalid"}
	}
	return nil
}

func (t *Transport) Login(ctx context.Context, creds remote.Credentials) (string, error) {
	if err := t.enter(ctx, "login"); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Users) > 0 {
		if hash, ok := t.Users[creds.UserName]; !ok || hash != creds.PasswordHash {
			return "", &remote.Fault{Number: remote.FaultInvalidLogin, Name: "Invalid Login", Description: "Login attempt failed please check the username and password"}
		}
	}
	t.nextID++
	session := fmt.Sprintf("session-%d", t.nextID)
	t.sessions[session] = true
	return session, nil
}

func (t *Transport) AvailableModules(ctx context.Context, session string) ([]string, error) {
	if err := t.enter(ctx, "get_available_modules"); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSessionLocked(session); err != nil {
		return nil, err
	}
	return append([]string(nil), t.Modules...), nil
}

var sinceRe = regexp.MustCompile(`date_modified > '([^']+)'`)

func (t *Transport) GetEntryList(ctx context.Context, session string, req remote.EntryListRequest) (remote.EntryListPage, error) {
	if err := t.enter(ctx, "get_entry_list"); err != nil {
		return remote.EntryListPage{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if err := t.checkSessionLocked(session); err != nil {
		return remote.EntryListPage{}, err
	}

	var since time.Time
	if m := sinceRe.FindStringSubmatch(req.Query); m != nil {
		since, _ = schema.ParseTime(m[1])
	}

	var matched []schema.Fields
	for _, r := range t.records[req.Module] {
		if !req.Deleted && r["deleted"] == "1" {
			continue
		}
		if !since.IsZero() {
			mod, _ := schema.ParseTime(r["date_modified"])
			ent, _ := schema.ParseTime(r["date_entered"])
			if !mod.After(since) && !ent.After(since) {
				continue
			}
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i]["date_modified"] < matched[j]["date_modified"]
	})

	limit := req.MaxResults
	if t.MaxPageSize > 0 && (limit <= 0 || limit > t.MaxPageSize) {
		limit = t.MaxPageSize
	}
	if req.Offset >= len(matched) {
		return remote.EntryListPage{NextOffset: req.Offset}, nil
	}
	end := len(matched)
	if limit > 0 && req.Offset+limit < end {
		end = req.Offset + limit
	}

	page := remote.EntryListPage{NextOffset: end}
	for _, r := range matched[req.Offset:end] {
		out := schema.Fields{}
		for _, name := range req.SelectFields {
			out[name] = r[name]
		}
		out["id"] = r["id"]
		page.Entries = append(page.Entries, out)
	}
	page.ResultCount = len(page.Entries)
	return page, nil
}

func (t *Transport) GetEntry(ctx context.Context, session, module, id string, fields []string) (schema.Fields, error) {
	if err := t.enter(ctx, "get_entry"); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSessionLocked(session); err != nil {
		return nil, err
	}
	i := t.indexLocked(module, id)
	if i < 0 || t.records[module][i]["deleted"] == "1" {
		return nil, remote.ErrNotFound
	}
	r := t.records[module][i]
	out := schema.Fields{"id": id}
	for _, name := range fields {
		if v, ok := r[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func (t *Transport) SetEntry(ctx context.Context, session, module string, fields schema.Fields) (string, error) {
	if err := t.enter(ctx, "set_entry"); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSessionLocked(session); err != nil {
		return "", err
	}

	now := schema.FormatTime(t.Now())
	id := fields.Get("id")
	if i := t.indexLocked(module, id); id != "" && i >= 0 {
		r := t.records[module][i]
		for k, v := range fields {
			r[k] = v
		}
		r["date_modified"] = now
		return id, nil
	}

	r := fields.Clone()
	if id == "" {
		t.nextID++
		id = fmt.Sprintf("%s-%d", module, t.nextID)
	}
	r["id"] = id
	r["date_entered"] = now
	r["date_modified"] = now
	if r["deleted"] == "" {
		r["deleted"] = "0"
	}
	if module == "Cases" && r["case_number"] == "" {
		r["case_number"] = fmt.Sprintf("%d", 1000+t.nextID)
	}
	t.records[module] = append(t.records[module], r)
	return id, nil
}

var _ remote.Transport = (*Transport)(nil)
