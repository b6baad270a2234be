package nametag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultUntaggedLabel marks an address without a usable tag.
	DefaultUntaggedLabel = "Untagged*"
	// DefaultMaxLabelLength caps label length in runes.
	DefaultMaxLabelLength = 25

	guardPrefix = 7
)

// PageScraper returns the raw label for an address, or "" when the page has none.
type PageScraper interface {
	Label(ctx context.Context, address string) (string, error)
}

// Config tunes a Resolver.
type Config struct {
	UntaggedLabel  string
	MaxLabelLength int
	// RequestInterval paces page requests. Zero disables pacing.
	RequestInterval time.Duration
	Retry           retry.Policy
}

// Progress is called after each address of a batch with the number done and
// the batch size.
type Progress func(done, total int)

// Resolver answers GetName from its cache, falling back to scraping.
type Resolver struct {
	cache   *cache.Store[string, string]
	scraper PageScraper
	cfg     Config
	limiter *rate.Limiter
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResolver wires a Resolver. The store should already be loaded.
func NewResolver(store *cache.Store[string, string], scraper PageScraper, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if cfg.UntaggedLabel == "" {
		cfg.UntaggedLabel = DefaultUntaggedLabel
	}
	if cfg.MaxLabelLength <= 0 {
		cfg.MaxLabelLength = DefaultMaxLabelLength
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}
	return &Resolver{
		cache:   store,
		scraper: scraper,
		cfg:     cfg,
		limiter: limiter,
		metrics: m,
		logger:  logger.With("component", "nametag_resolver"),
	}
}

// GetName returns the label for address. Like the price resolver, a label is
// returned alongside an error when it resolved but the triggered flush failed.
func (r *Resolver) GetName(ctx context.Context, address string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" {
		return "", fmt.Errorf("address is required")
	}

	if label, ok := r.cache.Lookup(key); ok {
		return label, nil
	}

	for attempt := 1; ; attempt++ {
		v, err, shared := r.group.Do(key, func() (interface{}, error) {
			if label, ok := r.cache.Lookup(key); ok {
				return label, nil
			}

			label, err := r.scrape(ctx, key)
			if err != nil {
				return "", err
			}
			label = r.Normalize(key, label)

			outcome := "tagged"
			if label == r.cfg.UntaggedLabel {
				outcome = "untagged"
			}
			if r.metrics != nil {
				r.metrics.RecordResolution("nametag", outcome)
			}
			r.logger.DebugContext(ctx, "resolved name tag", "address", key, "label", label)

			if _, err := r.cache.Stage(ctx, key, label); err != nil {
				return label, err
			}
			return label, nil
		})
		if shared && attempt < retry.MaxRejoins && retry.ForeignCancellation(ctx, err) {
			r.logger.DebugContext(ctx, "joined name lookup was cancelled, retrying", "address", key)
			continue
		}
		label, _ := v.(string)
		return label, err
	}
}

// GetNames resolves addresses one at a time, in order, calling progress after
// each. The result is keyed by the addresses exactly as given. On error the
// labels resolved so far are returned with it.
func (r *Resolver) GetNames(ctx context.Context, addresses []string, progress Progress) (map[string]string, error) {
	out := make(map[string]string, len(addresses))
	for i, addr := range addresses {
		label, err := r.GetName(ctx, addr)
		if label != "" {
			out[addr] = label
		}
		if err != nil {
			return out, fmt.Errorf("failed to resolve name for %s: %w", addr, err)
		}
		if progress != nil {
			progress(i+1, len(addresses))
		}
	}
	return out, nil
}

// Normalize applies the shortened-address guard and the length cap to a raw
// label. An empty label becomes the untagged sentinel.
func (r *Resolver) Normalize(address, label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return r.cfg.UntaggedLabel
	}
	// Explorers render untagged addresses as a shortened form of the address.
	if len(label) >= guardPrefix && len(address) >= guardPrefix &&
		strings.EqualFold(label[:guardPrefix], address[:guardPrefix]) {
		return r.cfg.UntaggedLabel
	}
	if runes := []rune(label); len(runes) > r.cfg.MaxLabelLength {
		return string(runes[:r.cfg.MaxLabelLength]) + "..."
	}
	return label
}

// Display returns label, or the address itself when label is the untagged
// sentinel.
func (r *Resolver) Display(address, label string) string {
	if label == "" || label == r.cfg.UntaggedLabel {
		return address
	}
	return label
}

// UntaggedLabel returns the configured sentinel.
func (r *Resolver) UntaggedLabel() string {
	return r.cfg.UntaggedLabel
}

func (r *Resolver) scrape(ctx context.Context, address string) (string, error) {
	var label string
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		label, err = r.scraper.Label(ctx, address)
		return err
	}, func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "address page unavailable, backing off",
			"address", address,
			"error", err,
			"wait", wait,
		)
		if r.metrics != nil {
			r.metrics.RecordRetry(provider, "address_page")
		}
	})
	if err != nil {
		return "", err
	}
	return label, nil
}

// Flush writes pending cache entries.
func (r *Resolver) Flush(ctx context.Context) error {
	return r.cache.Flush(ctx)
}

// Close flushes pending cache entries. Call it at shutdown.
func (r *Resolver) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}
