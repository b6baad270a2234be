// Package nametag resolves human-readable labels for addresses by scraping
// the explorer's address page, memoized per address.
package nametag

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const provider = "etherscan_site"

// Strategy extracts a candidate label from a parsed address page. An empty
// return means the strategy found nothing.
type Strategy struct {
	Name    string
	Extract func(doc *html.Node) string
}

// TitleStrategy uses the first '|' separated segment of the page title. Pages
// without a tag carry a generic title mentioning "address"; those yield nothing.
func TitleStrategy() Strategy {
	return Strategy{
		Name: "title",
		Extract: func(doc *html.Node) string {
			title := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title })
			if title == nil {
				return ""
			}
			head, _, _ := strings.Cut(textContent(title), "|")
			head = strings.TrimSpace(head)
			if strings.Contains(strings.ToLower(head), "address") {
				return ""
			}
			return head
		},
	}
}

// ElementStrategy uses the text of the first tag element carrying every
// class in classes.
func ElementStrategy(name string, tag atom.Atom, classes ...string) Strategy {
	return Strategy{
		Name: name,
		Extract: func(doc *html.Node) string {
			n := findFirst(doc, matchElement(tag, classes))
			if n == nil {
				return ""
			}
			return strings.TrimSpace(textContent(n))
		},
	}
}

// NestedStrategy finds the first outer element, then the first inner element
// inside it, and uses the inner element's text.
func NestedStrategy(name string, outerTag atom.Atom, outerClasses []string, innerTag atom.Atom, innerClasses []string) Strategy {
	return Strategy{
		Name: name,
		Extract: func(doc *html.Node) string {
			outer := findFirst(doc, matchElement(outerTag, outerClasses))
			if outer == nil {
				return ""
			}
			inner := findFirst(outer, func(n *html.Node) bool {
				return n != outer && matchElement(innerTag, innerClasses)(n)
			})
			if inner == nil {
				return ""
			}
			return strings.TrimSpace(textContent(inner))
		},
	}
}

// EtherscanStrategies is the extraction chain for etherscan.io address pages,
// most specific first.
func EtherscanStrategies() []Strategy {
	return []Strategy{
		TitleStrategy(),
		ElementStrategy("primary_tag", atom.Div, "d-flex", "align-items-center", "gap-1", "mt-2"),
		ElementStrategy("contract_name", atom.Span, "hash-tag", "text-truncate"),
		NestedStrategy("grouped_tag",
			atom.Div, []string{"d-flex", "flex-wrap", "align-items-center", "gap-1"},
			atom.Div, []string{"d-flex", "align-items-center", "gap-1"},
		),
	}
}

// Extract runs strategies in order and returns the first non-empty result
// together with the name of the strategy that produced it.
func Extract(doc *html.Node, strategies []Strategy) (label, strategy string) {
	for _, s := range strategies {
		if v := s.Extract(doc); v != "" {
			return v, s.Name
		}
	}
	return "", ""
}

// Scraper downloads address pages and extracts raw labels.
type Scraper struct {
	baseURL    string
	httpClient *http.Client
	strategies []Strategy
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewScraper creates a Scraper for baseURL (e.g. https://etherscan.io). A nil
// strategies slice selects EtherscanStrategies.
func NewScraper(baseURL string, httpClient *http.Client, strategies []Strategy, m *metrics.Metrics, logger *slog.Logger) *Scraper {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strategies == nil {
		strategies = EtherscanStrategies()
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Scraper{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		strategies: strategies,
		metrics:    m,
		logger:     logger.With("component", "nametag_scraper"),
	}
}

// Label fetches the page for address and returns the raw extracted label, or
// "" when no strategy matched.
func (s *Scraper) Label(ctx context.Context, address string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/address/"+address, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "text/html")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.record("error", start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", retry.Transient(fmt.Errorf("address page request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.record("error", start)
		return "", retry.Transient(fmt.Errorf("failed to read address page: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		s.record("rate_limited", start)
		s.logger.WarnContext(ctx, "rate limited by provider", "address", address)
		if s.metrics != nil {
			s.metrics.RecordRateLimitHit(provider)
		}
		return "", fmt.Errorf("address page %s: %w", address, retry.ErrRateLimited)
	case resp.StatusCode >= 500:
		s.record("error", start)
		return "", retry.Transient(fmt.Errorf("address page %s: status %d", address, resp.StatusCode))
	default:
		s.record("error", start)
		return "", fmt.Errorf("address page %s: unexpected status %d", address, resp.StatusCode)
	}
	s.record("success", start)

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse address page: %w", err)
	}

	label, strategy := Extract(doc, s.strategies)
	s.logger.DebugContext(ctx, "extracted label",
		"address", address,
		"label", label,
		"strategy", strategy,
	)
	return label, nil
}

func (s *Scraper) record(status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordProviderCall(provider, "address_page", status, time.Since(start).Seconds())
	}
}

func matchElement(tag atom.Atom, classes []string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != tag {
			return false
		}
		have := strings.Fields(attr(n, "class"))
		for _, want := range classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
}

// findFirst returns the first node under root (inclusive, document order)
// that satisfies match.
func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, match); n != nil {
			return n
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent concatenates the trimmed text nodes under n.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
