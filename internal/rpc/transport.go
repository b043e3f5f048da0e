package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client wraps an http.Client configured for fingerprint-authenticated
// TLS. Peer certificates are verified against the Authorizer rather than
// a CA chain, so both ends can run on self-signed certs.
type Client struct {
	*http.Client

	// BearerToken is attached as an Authorization header when set. Used
	// by operator tooling; node-facing calls authenticate by cert alone.
	BearerToken string

	fingerprint string // our own cert's fingerprint, reported when a server rejects us
}

func NewClient(cert tls.Certificate, timeout time.Duration, auth Authorizer) *Client {
	cli := &Client{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: time.Second * 15,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // this is safe because we verify the fingerprint in VerifyPeerCertificate
					Certificates:       []tls.Certificate{cert},
					VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
						for _, cert := range rawCerts {
							if auth.TrustsCert(GetCertFingerprint(cert)) {
								return nil
							}
						}

						e := &ErrUntrustedServer{}
						if len(rawCerts) > 0 {
							e.Fingerprint = GetCertFingerprint(rawCerts[0])
						} else {
							e.Fingerprint = "unknown"
						}
						return e
					},
				},
			},
		},
	}

	if cert.Leaf != nil {
		cli.fingerprint = GetCertFingerprint(cert.Leaf.Raw)
	} else if len(cert.Certificate) > 0 {
		cli.fingerprint = GetCertFingerprint(cert.Certificate[0])
	}

	return cli
}

func (c *Client) GET(ctx context.Context, url string) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodGet, url, nil)
}

func (c *Client) POST(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodPost, url, body)
}

func (c *Client) PUT(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodPut, url, body)
}

func (c *Client) DELETE(ctx context.Context, url string) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodDelete, url, nil)
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err // ErrUntrustedServer surfaces here, wrapped by the transport
	}

	switch {
	case resp.StatusCode == 401:
		resp.Body.Close()
		return nil, &ErrUnauthenticated{}
	case resp.StatusCode == 403:
		resp.Body.Close()
		return nil, &ErrUntrustedClient{Fingerprint: c.fingerprint}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("server error status: %d, body: %s", resp.StatusCode, body)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ErrStatus{Code: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}

// UrlPrefix returns the https base URL for the given host, appending the
// default port when the host doesn't specify one.
func UrlPrefix(host, defaultPort string) string {
	if !strings.Contains(host, ":") {
		host += ":" + defaultPort
	}
	return "https://" + host
}

// NewServer returns an HTTPS server that accepts (but does not require)
// client certificates. Handlers that need cert auth enforce it through
// WithAuth; handlers behind bearer auth ignore the peer cert entirely.
func NewServer(addr string, cert tls.Certificate, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}
}

type ErrUntrustedServer struct {
	Fingerprint string
}

func (e *ErrUntrustedServer) Error() string { return "untrusted server certificate" }

type ErrUntrustedClient struct {
	Fingerprint string
}

func (e *ErrUntrustedClient) Error() string { return "server does not trust our certificate" }

type ErrUnauthenticated struct{}

func (e *ErrUnauthenticated) Error() string { return "missing or invalid credentials" }

// ErrStatus is returned for 4xx responses other than 401/403. These are
// application-level rejections: the server understood the request and
// refused it, so callers should not retry without changing something.
type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("request rejected with status %d: %s", e.Code, e.Body)
}
