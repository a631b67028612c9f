// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verify

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCertCacheSize bounds the number of cached signing certificates.
	DefaultCertCacheSize = 10

	certFetchTimeout = 10 * time.Second
	maxCertSize      = 64 << 10
)

// CertCache fetches and caches signing certificates by URL. It is safe for
// concurrent use; beyond its size bound the oldest entry is evicted.
// Concurrent misses for the same URL share one fetch.
type CertCache struct {
	client *http.Client
	size   int

	mu      sync.RWMutex
	entries map[string]*x509.Certificate
	order   []string

	group singleflight.Group
}

// NewCertCache creates a cache. A nil client uses http.DefaultClient; a
// non-positive size uses DefaultCertCacheSize.
func NewCertCache(client *http.Client, size int) *CertCache {
	if client == nil {
		client = http.DefaultClient
	}
	if size <= 0 {
		size = DefaultCertCacheSize
	}
	return &CertCache{
		client:  client,
		size:    size,
		entries: make(map[string]*x509.Certificate),
	}
}

// Get returns the certificate at url, fetching it on a miss.
func (c *CertCache) Get(ctx context.Context, url string) (*x509.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.entries[url]
	c.mu.RUnlock()
	if ok {
		return cert, nil
	}

	v, err, _ := c.group.Do(url, func() (any, error) {
		cert, err := c.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		c.put(url, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*x509.Certificate), nil
}

// Len reports the number of cached certificates.
func (c *CertCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *CertCache) put(url string, cert *x509.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[url]; exists {
		c.entries[url] = cert
		return
	}
	for len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[url] = cert
	c.order = append(c.order, url)
}

func (c *CertCache) fetch(ctx context.Context, url string) (*x509.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, certFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build certificate request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate endpoint returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	block, _ := pem.Decode(body)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate response is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
