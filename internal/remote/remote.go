// Package remote lets a process use a store served by another process as its
// backing datastore.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/UltraSive/kvstate/internal/datastore"
	"github.com/UltraSive/kvstate/internal/handler"
	"github.com/UltraSive/kvstate/internal/storage"
	"github.com/UltraSive/kvstate/internal/transport"
)

// Client implements datastore.Datastore against a remote handler. All its
// writes carry one origin, so its own change feed leaves them out.
type Client struct {
	rt      transport.RoundTripper
	origin  string
	timeout time.Duration
}

var _ datastore.Datastore = (*Client)(nil)

func New(rt transport.RoundTripper, timeout time.Duration) *Client {
	return &Client{rt: rt, origin: uuid.NewString(), timeout: timeout}
}

// NewHTTP talks to the router served at url.
func NewHTTP(url string, timeout time.Duration) *Client {
	return New(transport.HTTPRoundTripper(url, &http.Client{Timeout: timeout}), timeout)
}

// NewUnix talks to the unix socket at path.
func NewUnix(path string, timeout time.Duration) *Client {
	return New(transport.UnixRoundTripper(path, timeout), timeout)
}

func (c *Client) Origin() string { return c.origin }

func (c *Client) do(ctx context.Context, req handler.Request) (handler.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	b, err := json.Marshal(&req)
	if err != nil {
		return handler.Response{}, err
	}
	out, err := c.rt(ctx, b)
	if err != nil {
		return handler.Response{}, fmt.Errorf("remote %s: %w", req.Type, err)
	}
	var resp handler.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return handler.Response{}, fmt.Errorf("decode %s response: %w", req.Type, err)
	}
	if resp.Type == handler.TypeErr {
		return resp, fmt.Errorf("remote %s: %s", req.Type, resp.Error)
	}
	return resp, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, handler.Request{Type: handler.TypePing})
	return err
}

func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.do(context.Background(), handler.Request{Type: handler.TypeGet, Keys: []string{key}})
	if err != nil {
		return "", false, err
	}
	v := resp.Values[key]
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (c *Client) Put(key, value string) error {
	return c.update(key, &value)
}

func (c *Client) Delete(key string) error {
	return c.update(key, nil)
}

func (c *Client) update(key string, value *string) error {
	_, err := c.do(context.Background(), handler.Request{
		Type:   handler.TypeUpdate,
		Origin: c.origin,
		Items:  map[string]*string{key: value},
	})
	return err
}

func (c *Client) Keys(prefix string) ([]string, error) {
	resp, err := c.do(context.Background(), handler.Request{Type: handler.TypeList, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// Changes reads the remote change feed after cursor, without this client's own writes.
func (c *Client) Changes(ctx context.Context, since uint64) (storage.Batch, error) {
	resp, err := c.do(ctx, handler.Request{Type: handler.TypeChanges, Origin: c.origin, Since: since})
	if err != nil {
		return storage.Batch{}, err
	}
	return storage.Batch{Records: resp.Changes, Next: resp.Next, Truncated: resp.Truncated}, nil
}

func (c *Client) Close() error { return nil }
