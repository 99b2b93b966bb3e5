package netstack

import (
	"crypto/tls"
	"testing"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
)

func TestHTTP3ClientDefaultsTLSConfig(t *testing.T) {
	c := HTTP3Client(nil, 5*time.Second)

	tr, ok := c.Transport.(*http3.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http3.Transport", c.Transport)
	}

	if tr.TLSClientConfig.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion = %#x, want TLS 1.3", tr.TLSClientConfig.MinVersion)
	}

	if len(tr.TLSClientConfig.NextProtos) != 1 || tr.TLSClientConfig.NextProtos[0] != "h3" {
		t.Fatalf("NextProtos = %v, want [h3]", tr.TLSClientConfig.NextProtos)
	}

	if c.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want 5s", c.Timeout)
	}
}

func TestHTTP3ClientStrengthensWeakMinVersion(t *testing.T) {
	c := HTTP3Client(&tls.Config{MinVersion: tls.VersionTLS12}, time.Second)

	tr := c.Transport.(*http3.Transport)
	if tr.TLSClientConfig.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion = %#x, want TLS 1.3", tr.TLSClientConfig.MinVersion)
	}
}
