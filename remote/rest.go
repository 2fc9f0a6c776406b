package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/schema"
)

// RESTPath is appended to a base URL that does not already name an endpoint.
const RESTPath = "/service/v4_1/rest.php"

// RESTOptions configures the REST transport.
type RESTOptions struct {
	// MaxResponseSize caps the bytes read from a single response.
	// If 0, defaults to 10MB
	MaxResponseSize int64

	// RequestTimeout is the http.Client timeout when no client is supplied.
	// If 0, defaults to 60 seconds
	RequestTimeout time.Duration
}

// DefaultRESTOptions returns the default REST transport options.
func DefaultRESTOptions() *RESTOptions {
	return &RESTOptions{
		MaxResponseSize: 10 * 1024 * 1024,
		RequestTimeout:  60 * time.Second,
	}
}

// RESTTransport implements Transport over the CRM's JSON REST endpoint:
// every call is a form POST of method, input_type, response_type and a
// JSON rest_data argument object.
type RESTTransport struct {
	endpoint string
	client   *http.Client
	options  *RESTOptions
	logger   *slog.Logger
}

// RESTOption configures a RESTTransport.
type RESTOption func(*RESTTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) RESTOption {
	return func(t *RESTTransport) {
		t.client = cl
	}
}

// WithRESTOptions overrides the default options.
func WithRESTOptions(o *RESTOptions) RESTOption {
	return func(t *RESTTransport) {
		if o != nil {
			t.options = o
		}
	}
}

// WithRESTLogger sets the logger.
func WithRESTLogger(l *slog.Logger) RESTOption {
	return func(t *RESTTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewRESTTransport creates a transport for the service at baseURL.
func NewRESTTransport(baseURL string, opts ...RESTOption) *RESTTransport {
	t := &RESTTransport{
		endpoint: EndpointURL(baseURL),
		options:  DefaultRESTOptions(),
		logger:   logging.Default().Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.options.MaxResponseSize <= 0 {
		t.options.MaxResponseSize = 10 * 1024 * 1024
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: t.options.RequestTimeout}
	}
	t.logger = t.logger.With("component", "remote/rest")
	return t
}

// EndpointURL returns the REST endpoint for baseURL.
func EndpointURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(u, ".php") {
		return u
	}
	return u + RESTPath
}

// Endpoint returns the URL requests are posted to.
func (t *RESTTransport) Endpoint() string { return t.endpoint }

type nameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// nameValueList decodes either the object or the array form the server uses.
type nameValueList map[string]string

func (l *nameValueList) UnmarshalJSON(data []byte) error {
	out := nameValueList{}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var arr []nameValue
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		for _, nv := range arr {
			out[nv.Name] = nv.Value
		}
	} else {
		var obj map[string]nameValue
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		for k, nv := range obj {
			out[k] = nv.Value
		}
	}
	*l = out
	return nil
}

func toNameValues(f schema.Fields) []nameValue {
	out := make([]nameValue, 0, len(f))
	for k, v := range f {
		out = append(out, nameValue{Name: k, Value: v})
	}
	return out
}

type faultBody struct {
	Name        string      `json:"name"`
	Number      json.Number `json:"number"`
	Description string      `json:"description"`
}

// post performs one REST call and decodes the result into out.
func (t *RESTTransport) post(ctx context.Context, method string, args any, out any) error {
	restData, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal %s arguments: %w", method, err)
	}

	form := url.Values{}
	form.Set("method", method)
	form.Set("input_type", "JSON")
	form.Set("response_type", "JSON")
	form.Set("rest_data", string(restData))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.options.MaxResponseSize+1))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > t.options.MaxResponseSize {
		return fmt.Errorf("response exceeds %d bytes", t.options.MaxResponseSize)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error (status %d): %s", resp.StatusCode, truncate(body, 256))
	}

	var fault faultBody
	if json.Unmarshal(body, &fault) == nil && fault.Number != "" && fault.Number != "0" {
		n, _ := fault.Number.Int64()
		return &Fault{Number: int(n), Name: fault.Name, Description: fault.Description}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// The rest_data argument objects. Field order is significant to the server.

type userAuth struct {
	UserName string `json:"user_name"`
	Password string `json:"password"`
	Version  string `json:"version"`
}

type loginArgs struct {
	UserAuth        userAuth    `json:"user_auth"`
	ApplicationName string      `json:"application_name"`
	NameValueList   []nameValue `json:"name_value_list"`
}

type modulesArgs struct {
	Session string `json:"session"`
	Filter  string `json:"filter"`
}

type entryListArgs struct {
	Session       string     `json:"session"`
	ModuleName    string     `json:"module_name"`
	Query         string     `json:"query"`
	OrderBy       string     `json:"order_by"`
	Offset        int        `json:"offset"`
	SelectFields  []string   `json:"select_fields"`
	LinkNameArray []struct{} `json:"link_name_to_fields_array"`
	MaxResults    int        `json:"max_results"`
	Deleted       int        `json:"deleted"`
}

type entryArgs struct {
	Session       string     `json:"session"`
	ModuleName    string     `json:"module_name"`
	ID            string     `json:"id"`
	SelectFields  []string   `json:"select_fields"`
	LinkNameArray []struct{} `json:"link_name_to_fields_array"`
}

type setEntryArgs struct {
	Session       string      `json:"session"`
	ModuleName    string      `json:"module_name"`
	NameValueList []nameValue `json:"name_value_list"`
}

type entry struct {
	ID            string        `json:"id"`
	NameValueList nameValueList `json:"name_value_list"`
}

func (e entry) fields() schema.Fields {
	f := schema.Fields{}
	for k, v := range e.NameValueList {
		f[k] = v
	}
	if f.Get(schema.FieldID) == "" && e.ID != "" {
		f[schema.FieldID] = e.ID
	}
	return f
}

func (t *RESTTransport) Login(ctx context.Context, creds Credentials) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := t.post(ctx, "login", loginArgs{
		UserAuth: userAuth{
			UserName: creds.UserName,
			Password: creds.PasswordHash,
			Version:  creds.Version,
		},
		ApplicationName: creds.ApplicationName,
		NameValueList:   []nameValue{},
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (t *RESTTransport) AvailableModules(ctx context.Context, session string) ([]string, error) {
	var resp struct {
		Modules []json.RawMessage `json:"modules"`
	}
	if err := t.post(ctx, "get_available_modules", modulesArgs{Session: session, Filter: "default"}, &resp); err != nil {
		return nil, err
	}

	modules := make([]string, 0, len(resp.Modules))
	for _, raw := range resp.Modules {
		var name string
		if json.Unmarshal(raw, &name) == nil {
			modules = append(modules, name)
			continue
		}
		var obj struct {
			ModuleKey string `json:"module_key"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode module entry: %w", err)
		}
		if obj.ModuleKey != "" {
			modules = append(modules, obj.ModuleKey)
		}
	}
	return modules, nil
}

func (t *RESTTransport) GetEntryList(ctx context.Context, session string, req EntryListRequest) (EntryListPage, error) {
	args := entryListArgs{
		Session:       session,
		ModuleName:    req.Module,
		Query:         req.Query,
		OrderBy:       req.OrderBy,
		Offset:        req.Offset,
		SelectFields:  req.SelectFields,
		LinkNameArray: []struct{}{},
		MaxResults:    req.MaxResults,
	}
	if req.Deleted {
		args.Deleted = 1
	}

	var resp struct {
		ResultCount int     `json:"result_count"`
		NextOffset  int     `json:"next_offset"`
		EntryList   []entry `json:"entry_list"`
	}
	if err := t.post(ctx, "get_entry_list", args, &resp); err != nil {
		return EntryListPage{}, err
	}

	page := EntryListPage{ResultCount: resp.ResultCount, NextOffset: resp.NextOffset}
	for _, e := range resp.EntryList {
		page.Entries = append(page.Entries, e.fields())
	}
	return page, nil
}

func (t *RESTTransport) GetEntry(ctx context.Context, session, module, id string, fields []string) (schema.Fields, error) {
	var resp struct {
		EntryList []entry `json:"entry_list"`
	}
	err := t.post(ctx, "get_entry", entryArgs{
		Session:       session,
		ModuleName:    module,
		ID:            id,
		SelectFields:  fields,
		LinkNameArray: []struct{}{},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.EntryList) == 0 {
		return nil, ErrNotFound
	}
	// A missing or deleted record comes back as a single "warning" field.
	e := resp.EntryList[0]
	if _, warned := e.NameValueList["warning"]; warned || e.ID == "" {
		return nil, ErrNotFound
	}
	return e.fields(), nil
}

func (t *RESTTransport) SetEntry(ctx context.Context, session, module string, fields schema.Fields) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := t.post(ctx, "set_entry", setEntryArgs{
		Session:       session,
		ModuleName:    module,
		NameValueList: toNameValues(fields),
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

var _ Transport = (*RESTTransport)(nil)
