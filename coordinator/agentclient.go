package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

// agentClient implements agentAPI over the fingerprint-authenticated
// transport. Each node gets a client pinned to its registered
// fingerprint, so a connection that lands on the wrong host (stale DNS,
// recycled IP) is rejected rather than handed another node's config.
type agentClient struct {
	cert    tls.Certificate
	timeout time.Duration
	port    string // default agent port when an address omits one

	mu      sync.Mutex
	clients map[string]*rpc.Client // keyed by pinned fingerprint
}

func newAgentClient(cert tls.Certificate, timeout time.Duration, defaultPort string) *agentClient {
	return &agentClient{
		cert:    cert,
		timeout: timeout,
		port:    defaultPort,
		clients: map[string]*rpc.Client{},
	}
}

func (c *agentClient) clientFor(fingerprint string) *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cli, ok := c.clients[fingerprint]; ok {
		return cli
	}
	cli := rpc.NewClient(c.cert, c.timeout, rpc.AuthorizerFunc(func(fprint string) bool {
		return fprint == fingerprint
	}))
	c.clients[fingerprint] = cli
	return cli
}

func (c *agentClient) url(conn common.ConnectionMeta, path string) string {
	return rpc.UrlPrefix(conn.Address, c.port) + path
}

func (c *agentClient) ApplyConfiguration(ctx context.Context, conn common.ConnectionMeta, gen *common.Generation) error {
	body, err := json.Marshal(&common.ApplyConfigRequest{Generation: gen.ID, Payload: gen.Payload})
	if err != nil {
		return err
	}

	resp, err := c.clientFor(conn.Fingerprint).PUT(ctx, c.url(conn, "/config"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *agentClient) SetRunState(ctx context.Context, conn common.ConnectionMeta, req *common.RunStateRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := c.clientFor(conn.Fingerprint).POST(ctx, c.url(conn, "/runstate"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *agentClient) SampleHealth(ctx context.Context, conn common.ConnectionMeta) (*common.HealthSample, error) {
	resp, err := c.clientFor(conn.Fingerprint).GET(ctx, c.url(conn, "/health"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	sample := &common.HealthSample{}
	if err := json.NewDecoder(resp.Body).Decode(sample); err != nil {
		return nil, fmt.Errorf("decoding health sample: %w", err)
	}
	return sample, nil
}

// Logs returns the raw log stream plus the agent's next-cursor header.
// The caller owns the body.
func (c *agentClient) Logs(ctx context.Context, conn common.ConnectionMeta, offset, tail string) (io.ReadCloser, string, error) {
	query := url.Values{}
	if offset != "" {
		query.Set("offset", offset)
	}
	if tail != "" {
		query.Set("tail", tail)
	}

	resp, err := c.clientFor(conn.Fingerprint).GET(ctx, c.url(conn, "/logs?"+query.Encode()))
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("X-Log-Offset"), nil
}
