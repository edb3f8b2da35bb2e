package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/loquilabs/loqui/pkg/types"
)

// ddgEndpoint is DuckDuckGo's HTML (no-JS) frontend. It serves plain markup
// and needs no API key.
const ddgEndpoint = "https://html.duckduckgo.com/html/"

// searchUserAgent identifies search requests; the HTML frontend rejects
// requests without a user agent.
const searchUserAgent = "Mozilla/5.0 (compatible; loqui-voice-agent)"

// SearchResult is a single web search hit.
type SearchResult struct {
	Title   string
	Snippet string
	URL     string
}

// WebSearcher queries the DuckDuckGo HTML frontend.
type WebSearcher struct {
	endpoint string
	client   *http.Client
}

// WebSearcherOption configures a WebSearcher.
type WebSearcherOption func(*WebSearcher)

// WithEndpoint overrides the search endpoint, mainly for tests.
func WithEndpoint(u string) WebSearcherOption {
	return func(s *WebSearcher) { s.endpoint = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebSearcherOption {
	return func(s *WebSearcher) { s.client = c }
}

// NewWebSearcher creates a WebSearcher against the public DuckDuckGo
// HTML frontend.
func NewWebSearcher(opts ...WebSearcherOption) *WebSearcher {
	s := &WebSearcher{
		endpoint: ddgEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search runs a query and returns up to maxResults hits.
func (s *WebSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tools: building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools: search returned status %d", resp.StatusCode)
	}

	results, err := parseSearchResults(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tools: parsing search results: %w", err)
	}
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// parseSearchResults extracts result blocks from the HTML frontend markup.
// Each hit is a container carrying the "result" class token, holding a
// "result__a" anchor (title and link) and a "result__snippet" element.
func parseSearchResults(r io.Reader) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, block := range findAll(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, "result")
	}) {
		anchor := findFirst(block, func(n *html.Node) bool {
			return n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a")
		})
		if anchor == nil {
			continue
		}
		res := SearchResult{
			Title: collapseSpace(textContent(anchor)),
			URL:   unwrapRedirect(attrVal(anchor, "href")),
		}
		if snippet := findFirst(block, func(n *html.Node) bool {
			return n.Type == html.ElementNode && hasClass(n, "result__snippet")
		}); snippet != nil {
			res.Snippet = collapseSpace(textContent(snippet))
		}
		if res.Title != "" {
			results = append(results, res)
		}
	}
	return results, nil
}

// unwrapRedirect resolves DuckDuckGo's /l/?uddg=<url> redirect links to
// their destination.
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasPrefix(u.Path, "/l/") || u.Path == "/l" {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return href
}

// hasClass reports whether the node's class attribute contains the exact
// class token.
func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, f := range strings.Fields(a.Val) {
			if f == class {
				return true
			}
		}
	}
	return false
}

// attrVal returns the value of the named attribute, or "".
func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent concatenates all text descendants of n.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// collapseSpace trims and squeezes all runs of whitespace to single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// findAll collects all nodes matching pred. Matched subtrees are not
// descended into.
func findAll(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if pred(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// findFirst returns the first node in depth-first order matching pred,
// or nil.
func findFirst(root *html.Node, pred func(*html.Node) bool) *html.Node {
	if pred(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if m := findFirst(c, pred); m != nil {
			return m
		}
	}
	return nil
}

// NewWebSearch returns the web_search tool. A nil searcher uses the default
// DuckDuckGo client.
func NewWebSearch(searcher *WebSearcher) Tool {
	if searcher == nil {
		searcher = NewWebSearcher()
	}
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web for real-time information. Uses the DuckDuckGo search engine and needs no API key.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search keywords.",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results (1-5, default 3).",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Query      string `json:"query"`
				MaxResults int    `json:"max_results"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Query == "" {
				return "", errors.New("no search query")
			}
			n := p.MaxResults
			if n <= 0 {
				n = 3
			}
			if n > 5 {
				n = 5
			}

			results, err := searcher.Search(ctx, p.Query, n)
			if err != nil {
				return "", fmt.Errorf("search error: %v", err)
			}
			if len(results) == 0 {
				return "No results found.", nil
			}

			var sb strings.Builder
			for i, r := range results {
				if i > 0 {
					sb.WriteString("\n\n")
				}
				fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s", i+1, r.Title, r.Snippet, r.URL)
			}
			return sb.String(), nil
		},
	}
}
