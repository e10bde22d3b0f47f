// Package pricefeed pulls vendor price data from an external feed and
// aggregates it into an expected range. It is the fallback reference for
// items that have no curated price band yet.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

// Range is an aggregated vendor price range.
type Range struct {
	Min     decimal.Decimal
	Max     decimal.Decimal
	Samples int
}

// Client fetches vendor prices over HTTP. Results are cached in memory so a
// batch of fifty line items does not hammer the feed.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cachedRange
}

type cachedRange struct {
	r         Range
	ok        bool
	fetchedAt time.Time
}

// New creates a Client. timeout bounds each feed request; a feed that does
// not answer in time yields "no data" rather than an error.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		ttl:        15 * time.Minute,
		cache:      make(map[string]cachedRange),
	}
}

// AggregateRange returns the min/max of vendor prices for the item, or
// ok=false when the feed has no usable data. Feed unavailability is not an
// error; the caller falls back to "no reference".
func (c *Client) AggregateRange(ctx context.Context, itemName, currency string) (Range, bool) {
	key := strings.ToLower(itemName) + "\x00" + currency

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.r, entry.ok
	}
	c.mu.Unlock()

	r, ok := c.fetch(ctx, itemName, currency)

	c.mu.Lock()
	c.cache[key] = cachedRange{r: r, ok: ok, fetchedAt: time.Now()}
	c.mu.Unlock()

	return r, ok
}

func (c *Client) fetch(ctx context.Context, itemName, currency string) (Range, bool) {
	q := url.Values{}
	q.Set("item", itemName)
	q.Set("currency", currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/prices?"+q.Encode(), nil)
	if err != nil {
		c.logger.Warn("building price feed request", "error", err)
		return Range{}, false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("price feed unreachable", "item", itemName, "error", err)
		return Range{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("price feed status", "item", itemName, "status", resp.StatusCode)
		return Range{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Range{}, false
	}

	prices := parseJSONPrices(body)
	if len(prices) == 0 {
		// Some vendor portals only expose an HTML price table.
		prices = parseHTMLPrices(body)
	}
	if len(prices) == 0 {
		return Range{}, false
	}
	return aggregate(prices), true
}

// feedResponse is the JSON shape of the vendor feed.
type feedResponse struct {
	Prices []struct {
		Vendor    string `json:"vendor"`
		UnitPrice string `json:"unit_price"`
	} `json:"prices"`
}

func parseJSONPrices(body []byte) []decimal.Decimal {
	var fr feedResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil
	}
	var prices []decimal.Decimal
	for _, p := range fr.Prices {
		d, err := decimal.NewFromString(p.UnitPrice)
		if err == nil && d.IsPositive() {
			prices = append(prices, d)
		}
	}
	return prices
}

// parseHTMLPrices extracts prices from table cells marked class="price".
func parseHTMLPrices(body []byte) []decimal.Decimal {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var prices []decimal.Decimal
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "td" && hasClass(n, "price") {
			if d, err := decimal.NewFromString(nodeText(n)); err == nil && d.IsPositive() {
				prices = append(prices, d)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return prices
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func aggregate(prices []decimal.Decimal) Range {
	r := Range{Min: prices[0], Max: prices[0], Samples: len(prices)}
	for _, p := range prices[1:] {
		if p.LessThan(r.Min) {
			r.Min = p
		}
		if p.GreaterThan(r.Max) {
			r.Max = p
		}
	}
	return r
}

// String implements fmt.Stringer for log output.
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s] (%d samples)", r.Min, r.Max, r.Samples)
}
