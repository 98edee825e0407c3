package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/supabase-community/postgrest-go"

	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/sqlerr"
)

// PostgRESTBackend reaches a hosted PostgreSQL through its REST gateway.
// Reads go through table endpoints; statements only through RPC functions.
type PostgRESTBackend struct {
	base   *url.URL
	key    string
	schema string
	client *http.Client
}

// NewPostgREST builds a client for the gateway rooted at baseURL (for a
// hosted project typically https://<ref>.example.co/rest/v1).
func NewPostgREST(baseURL, serviceKey, schema string, client *http.Client) (*PostgRESTBackend, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &PostgRESTBackend{base: u, key: serviceKey, schema: schema, client: client}, nil
}

func (p *PostgRESTBackend) Provider() string { return "postgrest" }

func (p *PostgRESTBackend) Dialect() ddl.Dialect { return ddl.Postgres }

func (p *PostgRESTBackend) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Ping succeeds on any answer below 500. A gateway may hide its OpenAPI
// root (404) or restrict it to privileged keys (401, 403) while table and
// RPC endpoints still work.
func (p *PostgRESTBackend) Ping(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &sqlerr.RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (p *PostgRESTBackend) ReadColumn(ctx context.Context, table, column string) error {
	rest, ex := p.rest(ctx)
	_, _, err := rest.From(table).Select(column, "", false).Limit(1, "").Execute()
	return ex.err(err)
}

func (p *PostgRESTBackend) Call(ctx context.Context, ch Channel, statement string) error {
	if ch.Name == Direct {
		return fmt.Errorf("%w: %s is not available through the REST gateway", ErrChannelNotFound, Direct)
	}
	arg := ch.Arg
	if arg == "" {
		arg = "sql"
	}
	rest, ex := p.rest(ctx)
	out := rest.Rpc(ch.Name, "", map[string]string{arg: statement})
	if rest.ClientError != nil {
		return rest.ClientError
	}
	if ex.status >= 300 {
		return channelError(remoteError(ex.status, []byte(out)), ch)
	}
	return resultError([]byte(out))
}

// Backfill writes the default through a PATCH on the table endpoint. Only
// plain literals can travel as JSON; anything else returns
// ddl.ErrLiteralNotPortable so the caller can run the UPDATE statement
// through a channel instead.
func (p *PostgRESTBackend) Backfill(ctx context.Context, table string, col expect.Column) (int64, error) {
	value, err := ddl.LiteralValue(col.Default)
	if err != nil {
		return 0, err
	}
	if _, err := json.Marshal(value); err != nil {
		return 0, err
	}
	rest, ex := p.rest(ctx)
	_, _, err = rest.From(table).
		Update(map[string]any{col.Name: value}, "minimal", "exact").
		Is(col.Name, "null").
		Execute()
	if err := ex.err(err); err != nil {
		return 0, err
	}
	return contentRangeTotal(ex.header.Get("Content-Range")), nil
}

// rest builds a query client bound to ctx. The returned exchange records
// the raw response, since the client reduces error answers to text and
// drops the status.
func (p *PostgRESTBackend) rest(ctx context.Context) (*postgrest.Client, *exchange) {
	next := p.client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	ex := &exchange{ctx: ctx, next: next}
	c := postgrest.NewClient(p.base.String(), p.schema, nil)
	if p.key != "" {
		c.SetApiKey(p.key).SetAuthToken(p.key)
	}
	c.Transport.Parent = ex
	return c, ex
}

type exchange struct {
	ctx    context.Context
	next   http.RoundTripper
	status int
	header http.Header
	body   []byte
}

func (e *exchange) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := e.next.RoundTrip(req.WithContext(e.ctx))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	e.status, e.header, e.body = resp.StatusCode, resp.Header, raw
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, nil
}

// err replaces a flattened error answer with the structured one.
func (e *exchange) err(err error) error {
	if err == nil {
		return nil
	}
	if e.status >= 300 {
		return remoteError(e.status, e.body)
	}
	return err
}

type openAPIDoc struct {
	Definitions map[string]struct {
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Format      string `json:"format"`
			Default     any    `json:"default"`
			Description string `json:"description"`
		} `json:"properties"`
	} `json:"definitions"`
}

// FetchSchema reads the OpenAPI description the gateway serves at its root.
func (p *PostgRESTBackend) FetchSchema(ctx context.Context, _ string) (Schema, error) {
	result := Schema{Tables: map[string]Table{}}
	resp, err := p.do(ctx, http.MethodGet, "/", nil, nil, "Accept", "application/openapi+json")
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, err
	}
	if resp.StatusCode >= 300 {
		return result, fmt.Errorf("%w: %w", ErrCatalogUnavailable, remoteError(resp.StatusCode, raw))
	}
	var doc openAPIDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return result, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}
	for name, def := range doc.Definitions {
		required := map[string]bool{}
		for _, r := range def.Required {
			required[r] = true
		}
		t := Table{Name: name, Columns: map[string]Column{}, PrimaryKey: []string{}}
		for col, prop := range def.Properties {
			c := Column{Name: col, DataType: prop.Format, IsNullable: !required[col]}
			if c.DataType == "" {
				c.DataType = prop.Type
			}
			if prop.Default != nil {
				c.DefaultValue.String = fmt.Sprint(prop.Default)
				c.DefaultValue.Valid = true
			}
			if strings.Contains(prop.Description, "<pk/>") {
				t.PrimaryKey = append(t.PrimaryKey, col)
			}
			t.Columns[col] = c
		}
		result.Tables[name] = t
	}
	return result, nil
}

func (p *PostgRESTBackend) do(ctx context.Context, method, path string, query url.Values, body []byte, headers ...string) (*http.Response, error) {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if p.key != "" {
		req.Header.Set("apikey", p.key)
		req.Header.Set("Authorization", "Bearer "+p.key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.schema != "" {
		req.Header.Set("Accept-Profile", p.schema)
		req.Header.Set("Content-Profile", p.schema)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return p.client.Do(req)
}

func remoteError(status int, body []byte) error {
	re := &sqlerr.RemoteError{Status: status}
	if err := json.Unmarshal(body, re); err != nil || (re.Message == "" && re.Code == "") {
		re.Message = strings.TrimSpace(string(body))
		if re.Message == "" {
			re.Message = http.StatusText(status)
		}
	}
	return re
}

// contentRangeTotal parses "0-9/10" or "*/10". Unknown totals give -1.
func contentRangeTotal(header string) int64 {
	_, total, ok := strings.Cut(header, "/")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

