package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/schema"
)

// Fault numbers the server uses for session and credential problems.
const (
	FaultInvalidLogin   = 10
	FaultInvalidSession = 11
)

// ErrNotFound is returned by a Transport when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Fault is an application error reported by the server.
type Fault struct {
	Number      int
	Name        string
	Description string
}

func (f *Fault) Error() string {
	if f.Description != "" && f.Description != f.Name {
		return fmt.Sprintf("%s (%d): %s", f.Name, f.Number, f.Description)
	}
	return fmt.Sprintf("%s (%d)", f.Name, f.Number)
}

// Credentials are sent by Login. Password is already hashed.
type Credentials struct {
	UserName        string
	PasswordHash    string
	Version         string
	ApplicationName string
}

// EntryListRequest asks for one page of a module's records.
type EntryListRequest struct {
	Module       string
	Query        string
	OrderBy      string
	Offset       int
	SelectFields []string
	MaxResults   int
	Deleted      bool
}

// EntryListPage is one page of records. ResultCount is zero once the
// listing is exhausted.
type EntryListPage struct {
	ResultCount int
	NextOffset  int
	Entries     []schema.Fields
}

// Transport carries the remote protocol operations. Implementations return
// *Fault for server-reported errors and ErrNotFound from GetEntry for a
// missing record; any other error is treated as a network failure.
type Transport interface {
	Login(ctx context.Context, creds Credentials) (sessionID string, err error)
	AvailableModules(ctx context.Context, session string) ([]string, error)
	GetEntryList(ctx context.Context, session string, req EntryListRequest) (EntryListPage, error)
	GetEntry(ctx context.Context, session, module, id string, fields []string) (schema.Fields, error)
	SetEntry(ctx context.Context, session, module string, fields schema.Fields) (id string, err error)
}

// Session is an opaque session token. Empty means unauthenticated.
type Session string

// SessionCache persists the session token across restarts.
type SessionCache interface {
	LoadSession(ctx context.Context) (string, error)
	SaveSession(ctx context.Context, session string) error
}

// CallObserver is told about every transport call the client makes.
type CallObserver func(method string, duration time.Duration, err error)

// ChangeRecord is the minimal view of a changed record returned by a listing.
type ChangeRecord struct {
	ID       string
	Created  time.Time
	Modified time.Time
	Deleted  bool
}

func changeRecordFromFields(f schema.Fields) ChangeRecord {
	rec := ChangeRecord{
		ID:      f.Get(schema.FieldID),
		Deleted: f.Get(schema.FieldDeleted) == "1",
	}
	rec.Created, _ = schema.ParseTime(f.Get(schema.FieldDateEntered))
	rec.Modified, _ = schema.ParseTime(f.Get(schema.FieldDateModified))
	return rec
}
