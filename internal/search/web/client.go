package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/pkg/logger"
)

const (
	TavilyURL     = "https://api.tavily.com/search"
	SerpAPIURL    = "https://serpapi.com/search"
	DuckDuckGoURL = "https://html.duckduckgo.com/html/"

	maxSnippetLength = 500
	userAgent        = "Mozilla/5.0 (compatible; math-agent/1.0)"
)

var spacePattern = regexp.MustCompile(`\s+`)

type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]domain.WebSearchResult, error)
}

type TavilyProvider struct {
	apiKey         string
	baseURL        string
	includeDomains []string
	httpClient     *http.Client
}

func NewTavilyProvider(apiKey, baseURL string, includeDomains []string, httpClient *http.Client) *TavilyProvider {
	if baseURL == "" {
		baseURL = TavilyURL
	}
	return &TavilyProvider{apiKey: apiKey, baseURL: baseURL, includeDomains: includeDomains, httpClient: httpClient}
}

func (p *TavilyProvider) Name() string { return "tavily" }

func (p *TavilyProvider) Search(ctx context.Context, query string, maxResults int) ([]domain.WebSearchResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"api_key":         p.apiKey,
		"query":           query,
		"max_results":     maxResults,
		"search_depth":    "advanced",
		"include_answer":  false,
		"include_domains": p.includeDomains,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := do(p.httpClient, req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]domain.WebSearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, domain.WebSearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

type SerpAPIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewSerpAPIProvider(apiKey, baseURL string, httpClient *http.Client) *SerpAPIProvider {
	if baseURL == "" {
		baseURL = SerpAPIURL
	}
	return &SerpAPIProvider{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}
}

func (p *SerpAPIProvider) Name() string { return "serpapi" }

func (p *SerpAPIProvider) Search(ctx context.Context, query string, maxResults int) ([]domain.WebSearchResult, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("api_key", p.apiKey)
	params.Add("num", strconv.Itoa(maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := do(p.httpClient, req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]domain.WebSearchResult, 0, len(resp.OrganicResults))
	for _, r := range resp.OrganicResults {
		results = append(results, domain.WebSearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return results, nil
}

// DuckDuckGoProvider scrapes the HTML results page and needs no API key.
// Results without a snippet are filled from the linked page body.
type DuckDuckGoProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewDuckDuckGoProvider(baseURL string, httpClient *http.Client) *DuckDuckGoProvider {
	if baseURL == "" {
		baseURL = DuckDuckGoURL
	}
	return &DuckDuckGoProvider{baseURL: baseURL, httpClient: httpClient}
}

func (p *DuckDuckGoProvider) Name() string { return "duckduckgo" }

func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, maxResults int) ([]domain.WebSearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	body, err := do(p.httpClient, req)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	results := make([]domain.WebSearchResult, 0, maxResults)
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a.result__a").First()
		title := cleanText(link.Text())
		href, _ := link.Attr("href")
		href = resolveRedirect(href)
		if title == "" || href == "" {
			return true
		}

		snippet := cleanText(s.Find(".result__snippet").Text())
		if snippet == "" {
			if content, err := p.scrapeContent(ctx, href); err == nil {
				snippet = content
			} else {
				logger.Debug("Failed to scrape result page", zap.String("url", href), zap.Error(err))
			}
		}

		results = append(results, domain.WebSearchResult{Title: title, URL: href, Snippet: snippet})
		return len(results) < maxResults
	})

	return results, nil
}

func (p *DuckDuckGoProvider) scrapeContent(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	body, err := do(p.httpClient, req)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()
	return truncate(cleanText(doc.Find("body").Text()), maxSnippetLength), nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
