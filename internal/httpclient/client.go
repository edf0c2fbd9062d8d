// Package httpclient builds the pooled HTTP client shared by worker clients
// and health probes.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New returns an http.Client with a tuned transport. Worker fleets live on
// LAN addresses, so connection reuse matters more than per-request setup:
// every worker call after the first rides an idle pooled connection.
func New(timeout, connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
