package currency

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"expenseflow/fault"
)

// RateSource supplies the full quote table for a base currency. Client is the
// production implementation; tests swap in stubs.
type RateSource interface {
	FetchRates(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

// defaultCacheSize comfortably holds every supported currency pair.
const defaultCacheSize = 1024

type rateEntry struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Normalizer converts submitted amounts into a company's default currency. It
// caches rate tables and keeps serving the last known rate when the upstream
// provider is unreachable, so a pulled quote never invalidates past
// conversions.
type Normalizer struct {
	source    RateSource
	cache     *lru.Cache[string, rateEntry]
	ttl       time.Duration
	now       func() time.Time
	log       *slog.Logger
	cacheSize int

	hits        atomic.Int64
	misses      atomic.Int64
	staleServed atomic.Int64
	refreshes   atomic.Int64
	failures    atomic.Int64
}

// Option adjusts optional Normalizer behaviour.
type Option func(*Normalizer)

// WithClock overrides the time source, letting tests control TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithCacheSize overrides the rate cache capacity.
func WithCacheSize(size int) Option {
	return func(n *Normalizer) {
		if size > 0 {
			n.cacheSize = size
		}
	}
}

// WithLogger overrides the logger used for degraded-mode warnings.
func WithLogger(log *slog.Logger) Option {
	return func(n *Normalizer) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNormalizer constructs a Normalizer backed by the given rate source.
// Cached rates older than ttl are refreshed before use; they are retained
// beyond ttl so they can back conversions when the provider is down.
func NewNormalizer(source RateSource, ttl time.Duration, opts ...Option) (*Normalizer, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	n := &Normalizer{
		source:    source,
		ttl:       ttl,
		now:       time.Now,
		log:       slog.Default(),
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(n)
	}
	cache, err := lru.New[string, rateEntry](n.cacheSize)
	if err != nil {
		return nil, err
	}
	n.cache = cache
	return n, nil
}

// Convert translates amount from one currency into another and reports the
// applied rate. Amounts are rounded to two decimal places, half away from
// zero. Same-currency conversions never touch the provider, and neither do
// pairs with a cached rate younger than the configured TTL.
func (n *Normalizer) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error) {
	from = NormalizeCode(from)
	to = NormalizeCode(to)
	if !ValidCodeFormat(from) {
		return decimal.Zero, decimal.Zero, fault.New(fault.ValidationFailed, "currency code %q must be three letters", from)
	}
	if !ValidCodeFormat(to) {
		return decimal.Zero, decimal.Zero, fault.New(fault.ValidationFailed, "currency code %q must be three letters", to)
	}
	if !Supported(from) {
		return decimal.Zero, decimal.Zero, fault.New(fault.CurrencyUnsupported, "currency %s is not supported", from)
	}
	if !Supported(to) {
		return decimal.Zero, decimal.Zero, fault.New(fault.CurrencyUnsupported, "currency %s is not supported", to)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, fault.New(fault.ValidationFailed, "amount must be positive")
	}
	if from == to {
		one := decimal.NewFromInt(1)
		return amount.Round(2), one, nil
	}

	key := from + "/" + to
	entry, ok := n.cache.Get(key)
	if ok && n.now().Sub(entry.fetchedAt) < n.ttl {
		n.hits.Add(1)
		return amount.Mul(entry.rate).Round(2), entry.rate, nil
	}
	n.misses.Add(1)

	rates, err := n.source.FetchRates(ctx, from)
	if err != nil {
		if ok {
			n.staleServed.Add(1)
			n.log.Warn("serving stale exchange rate",
				"from", from,
				"to", to,
				"fetched_at", entry.fetchedAt,
				"error", err,
			)
			return amount.Mul(entry.rate).Round(2), entry.rate, nil
		}
		n.failures.Add(1)
		return decimal.Zero, decimal.Zero, fault.Wrap(fault.CurrencyUnavailable, err, "exchange rate for %s/%s unavailable", from, to)
	}
	n.refreshes.Add(1)

	fetched := n.now()
	for code, rate := range rates {
		if !Supported(code) {
			continue
		}
		n.cache.Add(from+"/"+code, rateEntry{rate: rate, fetchedAt: fetched})
	}
	rate, ok := rates[to]
	if !ok {
		return decimal.Zero, decimal.Zero, fault.New(fault.CurrencyUnsupported, "provider quotes no %s/%s rate", from, to)
	}
	return amount.Mul(rate).Round(2), rate, nil
}

// Clear drops every cached rate. Intended for tests and admin tooling.
func (n *Normalizer) Clear() {
	n.cache.Purge()
}

// Stats is a point-in-time snapshot of cache behaviour.
type Stats struct {
	Hits        int64
	Misses      int64
	StaleServed int64
	Refreshes   int64
	Failures    int64
}

// Stats reports cache counters accumulated since construction.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Hits:        n.hits.Load(),
		Misses:      n.misses.Load(),
		StaleServed: n.staleServed.Load(),
		Refreshes:   n.refreshes.Load(),
		Failures:    n.failures.Load(),
	}
}

// Collectors exposes the cache counters as Prometheus collectors. The caller
// owns registration, so multiple Normalizer instances never fight over a
// registry.
func (n *Normalizer) Collectors() []prometheus.Collector {
	counter := func(name, help string, value *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "expenseflow",
			Subsystem: "currency",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value.Load()) })
	}
	return []prometheus.Collector{
		counter("cache_hits_total", "Conversions served from a fresh cached rate.", &n.hits),
		counter("cache_misses_total", "Conversions that required a provider refresh.", &n.misses),
		counter("stale_served_total", "Conversions served from an expired rate during provider outages.", &n.staleServed),
		counter("refreshes_total", "Successful rate table refreshes.", &n.refreshes),
		counter("failures_total", "Conversions that failed with no rate available.", &n.failures),
	}
}
