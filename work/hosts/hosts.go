// Package hosts supplies the ordered list of alternate-origin hostnames used
// for failover. Static configuration always wins; otherwise the list is
// discovered once per process by querying the configured domain's TXT record
// through independent DNS-over-HTTPS providers, with a fixed fallback list
// when discovery yields nothing usable.
package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"failback-loader/work/config"
	"failback-loader/work/logger"

	"github.com/grafana/regexp"
	"github.com/puzpuzpuz/xsync/v3"
)

// resolverTimeout bounds each individual DoH provider call.
const resolverTimeout = 3 * time.Second

// DefaultEndpoints are the DoH JSON APIs queried in parallel for alternate
// host discovery. The first provider returning a non-empty answer wins.
var DefaultEndpoints = []string{
	"https://dns.google/resolve",
	"https://cloudflare-dns.com/dns-query",
}

// hostRe accepts a hostname with an optional port. Discovery answers come
// from DNS TXT data, so every entry is validated before use.
var hostRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*(:\d{1,5})?$`)

// resolveCache permanently caches discovery results by domain. Alternate-host
// discovery is not session-specific, so the cache is intentionally shared
// process-wide; a single successful resolution is trusted for the process
// lifetime.
var resolveCache = xsync.NewMapOf[string, []string]()

// ClearCache empties the process-wide discovery cache. Used by tests.
func ClearCache() {
	resolveCache.Clear()
}

// dohAnswer models the subset of the DoH JSON response we consume.
type dohAnswer struct {
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// Provider resolves the ordered alternate host list for one configuration.
type Provider struct {
	cfg       *config.Config
	client    *http.Client
	endpoints []string
}

// New creates a Provider. A nil endpoint list selects the default DoH
// providers; tests substitute local httptest endpoints.
func New(cfg *config.Config, endpoints []string) *Provider {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	return &Provider{
		cfg:       cfg,
		client:    &http.Client{Timeout: resolverTimeout},
		endpoints: endpoints,
	}
}

// Hosts returns the ordered alternate host list synchronously from what is
// already known: static configuration first, then the cached discovery result,
// then the fallback list. It never blocks on network activity.
func (p *Provider) Hosts() []string {
	if len(p.cfg.StaticHosts) > 0 {
		return p.cfg.StaticHosts
	}
	if p.cfg.Domain != "" {
		if cached, ok := resolveCache.Load(p.cfg.Domain); ok && len(cached) > 0 {
			return cached
		}
	}
	return p.fallback()
}

// Preload performs the asynchronous discovery and populates the process-wide
// cache. Static configuration short-circuits discovery entirely. Discovery
// runs at most once per domain per process; later calls return the cache.
func (p *Provider) Preload(ctx context.Context) ([]string, error) {
	if len(p.cfg.StaticHosts) > 0 {
		return p.cfg.StaticHosts, nil
	}
	if p.cfg.Domain == "" {
		return p.fallback(), nil
	}

	if cached, ok := resolveCache.Load(p.cfg.Domain); ok && len(cached) > 0 {
		return cached, nil
	}

	resolved := p.resolve(ctx, p.cfg.Domain)
	if len(resolved) == 0 {
		logger.Warn("{hosts - Preload} discovery for %s yielded no usable hosts, using fallback list", p.cfg.Domain)
		return p.fallback(), nil
	}

	resolveCache.Store(p.cfg.Domain, resolved)
	logger.Info("{hosts - Preload} discovered %d alternate hosts for %s", len(resolved), p.cfg.Domain)
	return resolved, nil
}

// fallback returns the configured fallback hosts, which may be empty when the
// deployment relies purely on static or discovered lists.
func (p *Provider) fallback() []string {
	return p.cfg.FallbackHosts
}

// resolve queries every DoH endpoint in parallel and returns the first
// non-empty validated host list. Each provider call is individually bounded
// by resolverTimeout; losers are abandoned.
func (p *Provider) resolve(ctx context.Context, domain string) []string {
	results := make(chan []string, len(p.endpoints))

	for _, endpoint := range p.endpoints {
		go func(ep string) {
			hosts, err := p.queryOne(ctx, ep, domain)
			if err != nil {
				logger.Debug("{hosts - resolve} %s failed for %s: %v", ep, domain, err)
				results <- nil
				return
			}
			results <- hosts
		}(endpoint)
	}

	for range p.endpoints {
		select {
		case hosts := <-results:
			if len(hosts) > 0 {
				return hosts
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// queryOne issues a single DoH TXT lookup and parses the answer into a host
// list. TXT record data carries the alternates as a comma or whitespace
// separated list, possibly split across multiple strings.
func (p *Provider) queryOne(ctx context.Context, endpoint, domain string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolverTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s?name=%s&type=TXT", endpoint, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver returned status %d", resp.StatusCode)
	}

	var answer dohAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("failed to decode resolver response: %w", err)
	}

	var hosts []string
	for _, a := range answer.Answer {
		// type 16 = TXT
		if a.Type != 16 {
			continue
		}
		hosts = append(hosts, parseHostList(a.Data)...)
	}
	return hosts, nil
}

// parseHostList splits TXT record data into validated hostnames. Quotes are
// stripped and entries failing syntax validation are dropped.
func parseHostList(data string) []string {
	data = strings.ReplaceAll(data, `"`, "")
	fields := strings.FieldsFunc(data, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})

	var hosts []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !hostRe.MatchString(f) {
			logger.Debug("{hosts - parseHostList} dropping invalid host entry: %q", f)
			continue
		}
		hosts = append(hosts, f)
	}
	return hosts
}
