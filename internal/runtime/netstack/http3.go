package netstack

import (
	"crypto/tls"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
)

// HTTP3Client returns an http.Client using the HTTP/3 round tripper, with
// cfg defaulted/strengthened to TLS 1.3 and the "h3" ALPN if not already set.
func HTTP3Client(cfg *tls.Config, timeout time.Duration) *http.Client {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{"h3"}}
	} else if cfg.MinVersion < tls.VersionTLS13 || len(cfg.NextProtos) == 0 {
		c := cfg.Clone()

		if c.MinVersion < tls.VersionTLS13 {
			c.MinVersion = tls.VersionTLS13
		}

		if len(c.NextProtos) == 0 {
			c.NextProtos = []string{"h3"}
		}

		cfg = c
	}

	return &http.Client{Transport: &http3.Transport{TLSClientConfig: cfg}, Timeout: timeout}
}
