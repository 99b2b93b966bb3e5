package pdb

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memlog"
	"github.com/orizon-lang/memflow/internal/runtime/netstack"
)

// DefaultSymbolServerURL is Microsoft's public symbol server, the default
// base URL for SymbolStore downloads.
const DefaultSymbolServerURL = "https://msdl.microsoft.com/download/symbols"

// Cache is the on-disk store SymbolStore reads from and writes to. Satisfied
// by an internal/symbolcache.Store; kept as an interface here so this
// package never has to know about fsnotify or cache-directory layout.
type Cache interface {
	Get(pdbFileName, guid string) ([]byte, bool)
	Put(pdbFileName, guid string, data []byte) error
}

// SymbolStore downloads PDBs from a Microsoft-style symbol server, caching
// results through Cache and collapsing concurrent requests for the same
// (file, guid) pair into a single HTTP fetch.
type SymbolStore struct {
	baseURL string
	cache   Cache
	client  *http.Client
	group   singleflight.Group
}

// NewSymbolStore returns a SymbolStore downloading from baseURL (empty means
// DefaultSymbolServerURL) and caching through cache. The HTTP client prefers
// HTTP/3 via internal/runtime/netstack.HTTP3Client, since symbol servers that
// advertise it serve large PDBs faster over QUIC's multiplexed streams; a
// request that fails over HTTP/3 (a dial failure included) is retried once
// through a standard net/http client speaking HTTP/1.1 or HTTP/2, since
// http3.Transport only speaks to servers reachable over QUIC.
func NewSymbolStore(baseURL string, cache Cache) *SymbolStore {
	if baseURL == "" {
		baseURL = DefaultSymbolServerURL
	}

	return &SymbolStore{
		baseURL: baseURL,
		cache:   cache,
		client:  netstack.HTTP3Client(nil, 30*time.Second),
	}
}

// Fetch returns the raw PDB bytes for pdbFileName/guid, consulting the cache
// first, then downloading {base}/{file}/{guid}/{file} and falling back to
// {base}/{file}/{guid}/file.ptr on a non-2xx response.
func (s *SymbolStore) Fetch(pdbFileName, guid string) ([]byte, error) {
	if data, ok := s.cache.Get(pdbFileName, guid); ok {
		return data, nil
	}

	key := pdbFileName + "/" + guid

	data, err, _ := s.group.Do(key, func() (interface{}, error) {
		data, err := s.download(pdbFileName, guid, pdbFileName)
		if err != nil {
			memlog.Debugf("primary PDB download failed for %s: %v; trying file.ptr", key, err)

			data, err = s.download(pdbFileName, guid, "file.ptr")
		}

		if err != nil {
			return nil, memerr.Wrap(memerr.SymbolStoreDownloadFailed, err, "downloading %s", key)
		}

		if putErr := s.cache.Put(pdbFileName, guid, data); putErr != nil {
			memlog.Warnf("caching downloaded PDB %s failed: %v", key, putErr)
		}

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return data.([]byte), nil
}

func (s *SymbolStore) download(pdbFileName, guid, leaf string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s/%s", s.baseURL, pdbFileName, guid, leaf)

	resp, err := s.client.Get(url)
	if err != nil {
		memlog.Debugf("HTTP/3 request for %s failed: %v; retrying over HTTP/1.1 or HTTP/2", url, err)

		resp, err = (&http.Client{Timeout: s.client.Timeout}).Get(url)
		if err != nil {
			return nil, err
		}
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}

	return io.ReadAll(resp.Body)
}
