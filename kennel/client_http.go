// ABOUTME: Reference HTTP implementation of the RemoteStore contract.
// ABOUTME: Maps transport and status failures onto the error taxonomy.
package kennel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig controls the HTTP remote store client.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	DeviceID  string
	Timeout   time.Duration // per-request (default: 15s)
}

// Client performs pull/submit/delete RPCs against the sync server.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
}

var _ RemoteStore = (*Client)(nil)

// NewClient builds a client with optional timeout override.
func NewClient(cfg ClientConfig) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: to},
	}
}

// wireEntity carries one entity state on the wire.
type wireEntity struct {
	Kind    EntityKind      `json:"kind"`
	Stamp   RevisionStamp   `json:"stamp"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func (w wireEntity) decode() (RemoteEntity, error) {
	ent, err := decodeEntity(w.Kind, w.Body)
	if err != nil {
		return RemoteEntity{}, err
	}
	return RemoteEntity{Entity: ent, Stamp: w.Stamp, Deleted: w.Deleted}, nil
}

type changesResp struct {
	Items  []wireEntity `json:"items"`
	Cursor string       `json:"cursor"`
}

// FetchChanged pulls entities changed since the cursor.
func (c *Client) FetchChanged(ctx context.Context, since Cursor) ([]RemoteEntity, Cursor, error) {
	u := fmt.Sprintf("%s/v1/changes?since=%s", c.cfg.BaseURL, url.QueryEscape(string(since)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, since, err
	}
	c.setHeaders(req, "")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, since, fmt.Errorf("%w: pull: %v", ErrRemoteUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, since, statusErr("pull", resp)
	}

	var out changesResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, since, err
	}
	items := make([]RemoteEntity, 0, len(out.Items))
	for _, w := range out.Items {
		re, err := w.decode()
		if err != nil {
			return nil, since, err
		}
		items = append(items, re)
	}
	return items, Cursor(out.Cursor), nil
}

// wireMutation is the flattened submit payload.
type wireMutation struct {
	Op        string          `json:"op"`
	Kind      EntityKind      `json:"kind"`
	EntityID  string          `json:"entity_id"`
	Field     string          `json:"field,omitempty"`
	Value     *FieldValue     `json:"value,omitempty"`
	Record    *ActivityRecord `json:"record,omitempty"`
	Entity    json.RawMessage `json:"entity,omitempty"`
	Departure *time.Time      `json:"departure,omitempty"`
}

func encodeMutation(m Mutation) (wireMutation, error) {
	w := wireMutation{Op: m.op(), Kind: m.Kind(), EntityID: m.TargetID()}
	switch mut := m.(type) {
	case SetField:
		w.Field = mut.Field.String()
		v := mut.Value
		w.Value = &v
	case AppendRecord:
		r := mut.Record
		w.Record = &r
	case CreateProfile:
		_, body, err := encodeEntity(mut.Profile)
		if err != nil {
			return wireMutation{}, err
		}
		w.Entity = body
	case CreateSession:
		_, body, err := encodeEntity(mut.Session)
		if err != nil {
			return wireMutation{}, err
		}
		w.Entity = body
	case CloseSession:
		t := mut.Departure.UTC()
		w.Departure = &t
	case DeleteSession, ToggleBoarding:
		// Target id and op carry everything.
	default:
		return wireMutation{}, &ValidationError{Msg: "unknown mutation"}
	}
	return w, nil
}

type submitResp struct {
	Entity wireEntity `json:"entity"`
}

// Submit forwards a mutation; the idempotency key deduplicates retries and
// neutralizes late successes after a client-side timeout.
func (c *Client) Submit(ctx context.Context, m Mutation, idempotencyKey string) (RemoteEntity, error) {
	wm, err := encodeMutation(m)
	if err != nil {
		return RemoteEntity{}, err
	}
	body, err := json.Marshal(wm)
	if err != nil {
		return RemoteEntity{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return RemoteEntity{}, err
	}
	c.setHeaders(req, idempotencyKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return RemoteEntity{}, fmt.Errorf("%w: submit: %v", ErrRemoteUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return RemoteEntity{}, statusErr("submit", resp)
	}

	var out submitResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RemoteEntity{}, err
	}
	return out.Entity.decode()
}

// Delete removes an entity remotely.
func (c *Client) Delete(ctx context.Context, id string, idempotencyKey string) error {
	u := c.cfg.BaseURL + "/v1/entities/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, idempotencyKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrRemoteUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusErr("delete", resp)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, idempotencyKey string) {
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

// statusErr maps HTTP status codes onto the error taxonomy.
func statusErr(op string, resp *http.Response) error {
	var msg struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&msg)
	detail := msg.Error
	if detail == "" {
		detail = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &ValidationError{Msg: op + ": " + detail}
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s: %s", ErrConflictDetected, op, detail)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %s", ErrBusinessRule, op, detail)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", ErrRemoteUnavailable, op, detail)
	default:
		return fmt.Errorf("%s failed: %s", op, detail)
	}
}
