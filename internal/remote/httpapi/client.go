// Package httpapi talks to the budgeting REST API over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"greenbudget/internal/cache"
	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/ports"
)

const listPrefix = "list:"

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Cache holds raw list responses. Nil disables caching.
	Cache      cache.Cache[[]byte]
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client implements ports.Service.
type Client struct {
	base   string
	token  string
	http   *http.Client
	cache  cache.Cache[[]byte]
	logger *log.Logger
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		http:   hc,
		cache:  cfg.Cache,
		logger: log.OrDiscard(cfg.Logger).WithComponent(log.ComponentRemote),
	}
}

func (c *Client) LineItems() ports.Collection[core.LineItem] {
	return collection[core.LineItem]{c: c, path: lineItemsPath, scope: exact}
}

func (c *Client) Fringes() ports.Collection[core.Fringe] {
	return collection[core.Fringe]{c: c, path: budgetScoped("fringes"), scope: budgetOnly}
}

func (c *Client) Actuals() ports.Collection[core.Actual] {
	return collection[core.Actual]{c: c, path: budgetScoped("actuals"), scope: budgetOnly}
}

func (c *Client) Groups() ports.GroupService { return groups{c} }

// lineItemsPath is the children collection of a parent:
// /v1/budgets/1/accounts/, /v1/accounts/4/subaccounts/, /v1/subaccounts/9/subaccounts/.
func lineItemsPath(p core.ParentRef) string {
	child := "subaccounts"
	if p.Kind == core.ParentBudget {
		child = "accounts"
	}
	return fmt.Sprintf("/v1/%ss/%d/%s", p.Kind, p.ID, child)
}

func budgetScoped(name string) func(core.ParentRef) string {
	return func(p core.ParentRef) string { return fmt.Sprintf("/v1/budgets/%d/%s", p.ID, name) }
}

type scopeCheck func(core.ParentRef) error

func exact(p core.ParentRef) error {
	if !p.Kind.IsValid() || p.ID <= 0 {
		return fmt.Errorf("invalid parent %s", p)
	}
	return nil
}

func budgetOnly(p core.ParentRef) error {
	if p.Kind != core.ParentBudget || p.ID <= 0 {
		return fmt.Errorf("collection is scoped to a budget, got %s", p)
	}
	return nil
}

type collection[M any] struct {
	c     *Client
	path  func(core.ParentRef) string
	scope scopeCheck
}

func (col collection[M]) List(ctx context.Context, parent core.ParentRef, q ports.ListQuery) (ports.ListResponse[M], error) {
	var resp ports.ListResponse[M]
	if err := col.scope(parent); err != nil {
		return resp, err
	}
	err := col.c.list(ctx, col.path(parent)+"/", q, &resp)
	return resp, err
}

func (col collection[M]) BulkCreate(ctx context.Context, parent core.ParentRef, rows []core.Patch) (ports.BulkCreateResponse[M], error) {
	var resp ports.BulkCreateResponse[M]
	if err := col.scope(parent); err != nil {
		return resp, err
	}
	err := col.c.write(ctx, http.MethodPatch, bulkPath(col.path(parent), "create"), map[string]any{"data": rows}, &resp)
	return resp, err
}

func (col collection[M]) BulkUpdate(ctx context.Context, parent core.ParentRef, rows []ports.BulkUpdatePayload) (ports.BulkResponse, error) {
	var resp ports.BulkResponse
	if err := col.scope(parent); err != nil {
		return resp, err
	}
	err := col.c.write(ctx, http.MethodPatch, bulkPath(col.path(parent), "update"), map[string]any{"data": rows}, &resp)
	return resp, err
}

func (col collection[M]) BulkDelete(ctx context.Context, parent core.ParentRef, ids []int64) (ports.BulkResponse, error) {
	var resp ports.BulkResponse
	if err := col.scope(parent); err != nil {
		return resp, err
	}
	err := col.c.write(ctx, http.MethodPatch, bulkPath(col.path(parent), "delete"), map[string]any{"ids": ids}, &resp)
	return resp, err
}

// bulkPath turns /v1/accounts/4/subaccounts into /v1/accounts/4/bulk-create-subaccounts/.
func bulkPath(collectionPath, verb string) string {
	i := strings.LastIndex(collectionPath, "/")
	return collectionPath[:i+1] + "bulk-" + verb + "-" + collectionPath[i+1:] + "/"
}

type groups struct{ c *Client }

func groupsPath(p core.ParentRef) string {
	return fmt.Sprintf("/v1/%ss/%d/groups/", p.Kind, p.ID)
}

func (g groups) List(ctx context.Context, parent core.ParentRef) (ports.ListResponse[core.Group], error) {
	var resp ports.ListResponse[core.Group]
	if err := exact(parent); err != nil {
		return resp, err
	}
	err := g.c.list(ctx, groupsPath(parent), ports.ListQuery{}, &resp)
	return resp, err
}

func (g groups) Create(ctx context.Context, parent core.ParentRef, group core.Group) (core.Group, error) {
	var out core.Group
	if err := exact(parent); err != nil {
		return out, err
	}
	body := map[string]any{"name": group.Name, "color": group.Color, "children": group.Children}
	err := g.c.write(ctx, http.MethodPost, groupsPath(parent), body, &out)
	return out, err
}

func (g groups) Update(ctx context.Context, id int64, patch core.Patch) (core.Group, error) {
	var out core.Group
	err := g.c.write(ctx, http.MethodPatch, fmt.Sprintf("/v1/groups/%d/", id), patch, &out)
	return out, err
}

func (g groups) Delete(ctx context.Context, id int64) error {
	return g.c.write(ctx, http.MethodDelete, fmt.Sprintf("/v1/groups/%d/", id), nil, nil)
}

// list serves GET requests from the cache when possible.
func (c *Client) list(ctx context.Context, path string, q ports.ListQuery, out any) error {
	values := url.Values{}
	if q.Search != "" {
		values.Set("search", q.Search)
	}
	if q.PageSize > 0 {
		values.Set("page", strconv.Itoa(max(q.Page, 1)))
		values.Set("page_size", strconv.Itoa(q.PageSize))
	}
	target := path
	if len(values) > 0 {
		target += "?" + values.Encode()
	}

	key := listPrefix + target
	if c.cache != nil {
		if body, ok := c.cache.Get(key); ok {
			return decode(body, out)
		}
	}
	body, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.Set(key, body)
	}
	return decode(body, out)
}

// write performs a mutating request. Totals roll up through every level, so
// any write invalidates the cached lists.
func (c *Client) write(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, path, body)
	if c.cache != nil {
		if n := c.cache.DeletePrefix(listPrefix); n > 0 {
			c.logger.DebugContext(ctx, "list cache invalidated", log.FieldCount, n, log.FieldPath, path)
		}
	}
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp)) == 0 {
		return nil
	}
	return decode(resp, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	u := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.RequestError{Op: "request", Method: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.RequestError{Op: "read response", Method: method, URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.DebugContext(ctx, "remote call",
		log.FieldMethod, method,
		log.FieldPath, path,
		log.FieldStatusCode, resp.StatusCode,
		log.FieldDuration, time.Since(start).Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	if resp.StatusCode == http.StatusBadRequest {
		if ve := decodeValidation(data); ve != nil {
			return nil, ve
		}
	}
	var cause error
	if resp.StatusCode == http.StatusNotFound {
		cause = core.ErrNotFound
	}
	return nil, &core.RequestError{
		Op:         "request",
		Method:     method,
		URL:        u,
		StatusCode: resp.StatusCode,
		Body:       truncate(string(data), 512),
		Err:        cause,
	}
}

// errorBody is the API's 400 response: {"errors": [{"field": "rate", "message": "..."}]}.
type errorBody struct {
	Errors []core.FieldError `json:"errors"`
}

func decodeValidation(data []byte) *core.ValidationError {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil || len(eb.Errors) == 0 {
		return nil
	}
	return &core.ValidationError{Errors: eb.Errors}
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ ports.Service = (*Client)(nil)

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return errors.Is(err, core.ErrNotFound) }
