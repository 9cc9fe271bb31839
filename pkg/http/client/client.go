// Package client is the HTTP client side of the coordinator API. It
// implements api.Server, so command-line tooling works against a remote
// daemon exactly as it would against a local one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/api"
	transport "github.com/kolonialno/sacar/pkg/http"
	"github.com/kolonialno/sacar/pkg/release"
)

// Token authenticates requests when non-empty.
type Token string

func (t Token) Set(req *http.Request) {
	if string(t) != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t))
	}
}

type Client struct {
	client   *http.Client
	token    Token
	router   *mux.Router
	endpoint string
}

var _ api.Server = &Client{}

func New(c *http.Client, router *mux.Router, endpoint string, t Token) *Client {
	return &Client{
		client:   c,
		token:    t,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, nil, transport.Ping)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	err := c.get(ctx, &v, transport.Version)
	return v, err
}

func (c *Client) TriggerPush(ctx context.Context, t api.Trigger) (release.ID, error) {
	var id release.ID
	err := c.postWithResp(ctx, &id, transport.TriggerPush, t)
	return id, err
}

func (c *Client) NotifyBuildReady(ctx context.Context, b api.BuildReady) error {
	return c.postWithResp(ctx, nil, transport.BuildReady, b)
}

func (c *Client) DeployRelease(ctx context.Context, id release.ID) error {
	return c.postWithResp(ctx, nil, transport.DeployRelease, nil, "id", string(id))
}

func (c *Client) GetRelease(ctx context.Context, id release.ID) (release.Release, error) {
	var rel release.Release
	err := c.get(ctx, &rel, transport.GetRelease, "id", string(id))
	return rel, err
}

func (c *Client) ListReleases(ctx context.Context) ([]release.Release, error) {
	var rels []release.Release
	err := c.get(ctx, &rels, transport.ListReleases)
	return rels, err
}

// --- request helpers

func (c *Client) get(ctx context.Context, dest interface{}, route string, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	c.token.Set(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return errors.Wrap(err, "decoding response from server")
		}
	}
	return nil
}

// postWithResp sends body (when non-nil) as JSON and, when dest is
// non-nil and the server responded with a body, decodes into dest.
func (c *Client) postWithResp(ctx context.Context, dest interface{}, route string, body interface{}, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	c.token.Set(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response from server")
	}
	if dest == nil || len(respBytes) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(respBytes, dest), "decoding response from server")
}

func (c *Client) executeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return resp, nil
	default:
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading response body of error")
		}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var apiErr transport.APIError
			if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
				return nil, &apiErr
			}
		}
		return nil, errors.New(resp.Status + " " + string(body))
	}
}
