package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mazen160/go-random"
)

const (
	DefaultListURL  = "https://proxy.scdn.io/api/get_proxy.php"
	DefaultProbeURL = "https://www.91160.com/favicon.ico"

	defaultCountry    = "CN"
	defaultFetchCount = 6

	listTimeout      = 12 * time.Second
	probeTimeout     = 6 * time.Second
	listRetryMax     = 3
	listBackoffMinMs = 400
	listBackoffMaxMs = 900
)

type listResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Proxies []string `json:"proxies"`
		Count   int      `json:"count"`
	} `json:"data"`
}

type Options struct {
	// ListURL overrides the upstream proxy-listing API, mostly for tests.
	ListURL string
	// ProbeURL overrides the connectivity-check target.
	ProbeURL string
}

// Pool caches one batch of candidate proxies per (protocol, country)
// pair. Candidates are consumed as they are probed and never reused
// within a rotation.
type Pool struct {
	http     *resty.Client
	listURL  string
	probeURL string

	mu       sync.Mutex
	queue    []string
	protocol string
	country  string
}

func NewPool(opts Options) *Pool {
	if opts.ListURL == "" {
		opts.ListURL = DefaultListURL
	}
	if opts.ProbeURL == "" {
		opts.ProbeURL = DefaultProbeURL
	}
	client := resty.New()
	client.SetTimeout(listTimeout)
	return &Pool{
		http:     client,
		listURL:  opts.ListURL,
		probeURL: opts.ProbeURL,
	}
}

// Rotate returns the next working proxy URL for the protocol/country
// pair. "" or "all" tries https, http and socks5 in that order;
// anything outside that set (socks4 included) is a validation error.
//
// The queue lock is held only while swapping or popping cached state.
// List fetches and probes run unlocked, so Clear and concurrent
// rotations never wait on the network.
func (p *Pool) Rotate(ctx context.Context, protocol, country string) (string, error) {
	protocols, err := resolveProtocols(protocol)
	if err != nil {
		return "", err
	}
	country = normalizeCountry(country)

	var notes []string
	for _, proto := range protocols {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !p.hasQueue(proto, country) {
			list, err := p.fetchList(ctx, proto, country)
			if err != nil {
				notes = append(notes, fmt.Sprintf("%s: %v", proto, err))
				continue
			}
			p.install(proto, country, list)
		}

		var lastErr error
		for {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			host, ok := p.pop(proto, country)
			if !ok {
				break
			}
			proxyURL := buildProxyURL(proto, host)
			if proxyURL == "" {
				continue
			}
			if err := p.probe(ctx, proxyURL); err != nil {
				slog.DebugContext(ctx, "proxy probe failed", "proxy", proxyURL, "err", err)
				lastErr = err
				continue
			}
			return proxyURL, nil
		}
		if lastErr == nil {
			lastErr = errors.New("no proxy available")
		}
		notes = append(notes, fmt.Sprintf("%s: %v", proto, lastErr))
	}

	if len(notes) == 0 {
		return "", errors.New("no proxy available")
	}
	return "", errors.New(strings.Join(notes, "; "))
}

func (p *Pool) hasQueue(protocol, country string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocol == protocol && p.country == country && len(p.queue) > 0
}

func (p *Pool) install(protocol, country string, list []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = list
	p.protocol = protocol
	p.country = country
}

// pop hands out the next non-empty candidate. A queue cleared or
// repurposed by a concurrent caller reads as exhausted.
func (p *Pool) pop(protocol, country string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.protocol == protocol && p.country == country && len(p.queue) > 0 {
		host := strings.TrimSpace(p.queue[0])
		p.queue = p.queue[1:]
		if host != "" {
			return host, true
		}
	}
	return "", false
}

// Clear empties the cached queue so the next rotation refetches.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.protocol = ""
	p.country = ""
}

func (p *Pool) fetchList(ctx context.Context, protocol, country string) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= listRetryMax; attempt++ {
		list, err := p.fetchListOnce(ctx, protocol, country)
		if err == nil && len(list) > 0 {
			return list, nil
		}
		if err == nil {
			err = errors.New("proxy list is empty")
		}
		lastErr = err
		if attempt < listRetryMax {
			backoff, rerr := random.IntRange(listBackoffMinMs, listBackoffMaxMs+1)
			if rerr != nil {
				backoff = listBackoffMinMs
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(backoff) * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

func (p *Pool) fetchListOnce(ctx context.Context, protocol, country string) ([]string, error) {
	var payload listResponse
	res, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"protocol":     protocol,
			"count":        strconv.Itoa(defaultFetchCount),
			"country_code": country,
		}).
		SetResult(&payload).
		Get(p.listURL)
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("proxy api http %d", res.StatusCode())
	}
	if payload.Code != 200 {
		msg := strings.TrimSpace(payload.Message)
		if msg == "" {
			msg = "proxy api error"
		}
		return nil, errors.New(msg)
	}

	unique := make(map[string]struct{})
	out := make([]string, 0, len(payload.Data.Proxies))
	for _, item := range payload.Data.Proxies {
		host := strings.TrimSpace(item)
		if host == "" {
			continue
		}
		if _, ok := unique[host]; ok {
			continue
		}
		unique[host] = struct{}{}
		out = append(out, host)
	}
	return out, nil
}

// probe issues one cheap request through the candidate. Anything below
// 400 counts as alive; only hard failures and transport errors
// disqualify a candidate.
func (p *Pool) probe(ctx context.Context, proxyURL string) error {
	client := resty.New()
	client.SetTimeout(probeTimeout)
	client.SetProxy(proxyURL)
	defer client.GetClient().CloseIdleConnections()

	res, err := client.R().SetContext(ctx).Get(p.probeURL)
	if err != nil {
		return err
	}
	if res.StatusCode() >= 400 {
		return fmt.Errorf("proxy probe http %d", res.StatusCode())
	}
	return nil
}

func resolveProtocols(protocol string) ([]string, error) {
	normalized := strings.ToLower(strings.TrimSpace(protocol))
	if normalized == "" || normalized == "all" {
		return []string{"https", "http", "socks5"}, nil
	}
	switch normalized {
	case "http", "https", "socks5":
		return []string{normalized}, nil
	case "socks4":
		return nil, errors.New("socks4 is not supported")
	default:
		return nil, fmt.Errorf("unsupported proxy protocol: %s", normalized)
	}
}

func normalizeCountry(country string) string {
	normalized := strings.ToUpper(strings.TrimSpace(country))
	if normalized == "CN" {
		return normalized
	}
	return defaultCountry
}

func buildProxyURL(protocol, host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		if _, err := url.Parse(host); err != nil {
			return ""
		}
		return host
	}
	return fmt.Sprintf("%s://%s", protocol, host)
}
