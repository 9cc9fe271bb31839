package store

import (
	"context"
	"encoding/json"
	"net/url"
	"path"

	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/release"
)

// Node is one registered instance of a service in the store's catalog.
type Node struct {
	// ID is the node name; agents register under their agent id.
	ID      string
	Address string
	Port    int
}

type rawService struct {
	Node           string `json:"Node"`
	Address        string `json:"Address"`
	ServiceAddress string `json:"ServiceAddress"`
	ServicePort    int    `json:"ServicePort"`
}

// ServiceNodes returns all instances registered for a service, filtered
// by tag. The coordinator uses this to snapshot the agent roster at
// dispatch time.
func (c *Client) ServiceNodes(ctx context.Context, service, tag string) ([]Node, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.cfg.Address,
		Path:   path.Join("/v1/catalog/service", service),
	}
	if tag != "" {
		u.RawQuery = url.Values{"tag": []string{tag}}.Encode()
	}

	var nodes []Node
	err := c.withRetry(ctx, "catalog", func() error {
		req, err := c.newRequest(ctx, "GET", u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusErr(resp); err != nil {
			return err
		}
		var services []rawService
		if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
			return release.StoreUnavailableError(errors.Wrap(err, "undecodable catalog response"))
		}
		nodes = nodes[:0]
		for _, s := range services {
			addr := s.ServiceAddress
			if addr == "" {
				addr = s.Address
			}
			nodes = append(nodes, Node{ID: s.Node, Address: addr, Port: s.ServicePort})
		}
		return nil
	})
	return nodes, err
}
