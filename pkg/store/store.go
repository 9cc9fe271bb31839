// Package store is a typed client for the consistency store: a
// Consul-compatible key/value HTTP API with blocking queries. Values are
// JSON documents, base64-wrapped in KV entries per the Consul wire
// format. All reads treat the store as current truth; watches are
// level-triggered snapshots, never edge sequences.
package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/release"
)

const (
	defaultRetries   = 4
	defaultRetryBase = 250 * time.Millisecond
	defaultRetryCap  = 5 * time.Second
)

// Config carries the store connection parameters.
type Config struct {
	// Address is the host:port of the store's HTTP API.
	Address string
	// Token is sent as X-Consul-Token when non-empty.
	Token string
	// Prefix is prepended to every key, e.g. "sacar".
	Prefix string
	// Retries bounds how often a failed (non-watch) operation is
	// re-attempted before giving up.
	Retries int
}

// Client talks to the store. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

func NewClient(cfg Config, client *http.Client, logger log.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	return &Client{cfg: cfg, client: client, logger: logger}
}

// KVPair is one decoded KV entry. A nil Value means the key is absent
// (only produced by watches, which report absence as an empty snapshot).
type KVPair struct {
	Key         string
	Value       []byte
	CreateIndex uint64
	ModifyIndex uint64
}

// Decode unmarshals the pair's JSON value into out.
func (p KVPair) Decode(out interface{}) error {
	if p.Value == nil {
		return errors.Errorf("no value at key %q", p.Key)
	}
	return errors.Wrapf(json.Unmarshal(p.Value, out), "decoding value at %q", p.Key)
}

// rawEntry is the Consul KV wire representation.
type rawEntry struct {
	Key         string `json:"Key"`
	Value       string `json:"Value"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
}

func (e rawEntry) decode() (KVPair, error) {
	val, err := base64.StdEncoding.DecodeString(e.Value)
	if err != nil {
		return KVPair{}, errors.Wrapf(err, "undecodable value at %q", e.Key)
	}
	return KVPair{Key: e.Key, Value: val, CreateIndex: e.CreateIndex, ModifyIndex: e.ModifyIndex}, nil
}

// Get reads the value at key into out. found is false when the key does
// not exist; the returned index is usable as a watch starting point
// either way.
func (c *Client) Get(ctx context.Context, key string, out interface{}) (index uint64, found bool, err error) {
	err = c.withRetry(ctx, "get", func() error {
		index, found, err = c.getOnce(ctx, key, out, 0, 0)
		return err
	})
	return index, found, err
}

// Put writes v as JSON at key.
func (c *Client) Put(ctx context.Context, key string, v interface{}) error {
	return c.withRetry(ctx, "put", func() error {
		_, err := c.putOnce(ctx, key, v, nil)
		return err
	})
}

// CAS writes v at key only if the entry's modify index still equals
// index. ok is false when the entry was modified concurrently. Index 0
// means "only if the key does not exist yet".
func (c *Client) CAS(ctx context.Context, key string, v interface{}, index uint64) (ok bool, err error) {
	err = c.withRetry(ctx, "cas", func() error {
		ok, err = c.putOnce(ctx, key, v, url.Values{"cas": []string{strconv.FormatUint(index, 10)}})
		return err
	})
	return ok, err
}

// Delete removes the entry at key. Deleting an absent key is not an
// error.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.withRetry(ctx, "delete", func() error {
		req, err := c.newRequest(ctx, "DELETE", c.kvURL(key, nil), nil)
		if err != nil {
			return err
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return statusErr(resp)
	})
}

// Ping verifies the store is reachable and has elected a leader.
func (c *Client) Ping(ctx context.Context) error {
	u := url.URL{Scheme: "http", Host: c.cfg.Address, Path: "/v1/status/leader"}
	req, err := c.newRequest(ctx, "GET", u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return statusErr(resp)
}

// List reads all entries under prefix (recursively). An absent prefix
// yields an empty slice, not an error.
func (c *Client) List(ctx context.Context, prefix string) (index uint64, pairs []KVPair, err error) {
	err = c.withRetry(ctx, "list", func() error {
		index, pairs, err = c.listOnce(ctx, prefix, 0, 0)
		return err
	})
	return index, pairs, err
}

func (c *Client) getOnce(ctx context.Context, key string, out interface{}, index uint64, wait time.Duration) (uint64, bool, error) {
	nextIndex, pair, found, err := c.getPairOnce(ctx, key, index, wait)
	if err != nil {
		return 0, false, err
	}
	if found && out != nil {
		if err := pair.Decode(out); err != nil {
			return 0, false, err
		}
	}
	return nextIndex, found, nil
}

func (c *Client) getPairOnce(ctx context.Context, key string, index uint64, wait time.Duration) (uint64, KVPair, bool, error) {
	resp, err := c.kvGet(ctx, c.kvURL(key, blockingParams(index, wait)))
	if err != nil {
		return 0, KVPair{}, false, err
	}
	defer resp.Body.Close()
	nextIndex, err := consulIndex(resp)
	if err != nil {
		return 0, KVPair{}, false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nextIndex, KVPair{}, false, nil
	}
	if err := statusErr(resp); err != nil {
		return 0, KVPair{}, false, err
	}
	var entries []rawEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return 0, KVPair{}, false, release.StoreUnavailableError(errors.Wrap(err, "undecodable store response"))
	}
	if len(entries) == 0 {
		return nextIndex, KVPair{}, false, nil
	}
	pair, err := entries[0].decode()
	if err != nil {
		return 0, KVPair{}, false, err
	}
	return nextIndex, pair, true, nil
}

func (c *Client) listOnce(ctx context.Context, prefix string, index uint64, wait time.Duration) (uint64, []KVPair, error) {
	params := blockingParams(index, wait)
	params.Set("recurse", "true")
	resp, err := c.kvGet(ctx, c.kvURL(prefix, params))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	nextIndex, err := consulIndex(resp)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nextIndex, []KVPair{}, nil
	}
	if err := statusErr(resp); err != nil {
		return 0, nil, err
	}
	var entries []rawEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return 0, nil, release.StoreUnavailableError(errors.Wrap(err, "undecodable store response"))
	}
	pairs := make([]KVPair, 0, len(entries))
	for _, e := range entries {
		pair, err := e.decode()
		if err != nil {
			return 0, nil, err
		}
		pairs = append(pairs, pair)
	}
	return nextIndex, pairs, nil
}

func (c *Client) putOnce(ctx context.Context, key string, v interface{}, params url.Values) (bool, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return false, errors.Wrapf(err, "encoding value for %q", key)
	}
	req, err := c.newRequest(ctx, "PUT", c.kvURL(key, params), bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	begin := time.Now()
	resp, err := c.do(req)
	requestDuration.With("op", "put", "success", fmt.Sprint(err == nil)).Observe(time.Since(begin).Seconds())
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if err := statusErr(resp); err != nil {
		return false, err
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, release.StoreUnavailableError(err)
	}
	var ok bool
	if err := json.Unmarshal(bytes.TrimSpace(raw), &ok); err != nil {
		return false, release.StoreUnavailableError(errors.Wrap(err, "undecodable store response"))
	}
	return ok, nil
}

func (c *Client) kvGet(ctx context.Context, u string) (*http.Response, error) {
	req, err := c.newRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	begin := time.Now()
	resp, err := c.do(req)
	requestDuration.With("op", "get", "success", fmt.Sprint(err == nil)).Observe(time.Since(begin).Seconds())
	return resp, err
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "constructing store request")
	}
	if c.cfg.Token != "" {
		req.Header.Set("X-Consul-Token", c.cfg.Token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, release.StoreUnavailableError(err)
	}
	return resp, nil
}

func (c *Client) kvURL(key string, params url.Values) string {
	u := url.URL{
		Scheme: "http",
		Host:   c.cfg.Address,
		Path:   path.Join("/v1/kv", c.cfg.Prefix, key),
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

func blockingParams(index uint64, wait time.Duration) url.Values {
	params := url.Values{}
	if index > 0 {
		params.Set("index", strconv.FormatUint(index, 10))
	}
	if wait > 0 {
		params.Set("wait", fmt.Sprintf("%ds", int(wait.Seconds())))
	}
	return params
}

// consulIndex extracts X-Consul-Index, required on every KV response so
// blocking queries can resume.
func consulIndex(resp *http.Response) (uint64, error) {
	h := resp.Header.Get("X-Consul-Index")
	if h == "" {
		// Not every endpoint sets the header on errors; treat as index
		// zero so the next watch round re-reads full state.
		return 0, nil
	}
	index, err := strconv.ParseUint(h, 10, 64)
	if err != nil {
		return 0, release.StoreUnavailableError(errors.Wrapf(err, "bad X-Consul-Index %q", h))
	}
	return index, nil
}

func statusErr(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := errors.Errorf("store returned %s", resp.Status)
	if resp.StatusCode >= 500 {
		return release.StoreUnavailableError(err)
	}
	return err
}

// withRetry re-attempts fn on store-unavailable errors with capped
// exponential backoff, up to the configured retry budget.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := defaultRetryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || release.KindOf(err) != release.KindStoreUnavailable || attempt >= c.cfg.Retries {
			return err
		}
		c.logger.Log("op", op, "attempt", attempt+1, "err", err, "retryIn", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if wait *= 2; wait > defaultRetryCap {
			wait = defaultRetryCap
		}
	}
}
