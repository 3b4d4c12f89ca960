package market

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const yahooSearchURL = "https://query2.finance.yahoo.com"

// Searcher resolves free-text queries to tickers via Yahoo's search endpoint
type Searcher struct {
	client *resty.Client
}

type yahooSearchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		Exchange  string `json:"exchDisp"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// NewSearcher creates a searcher; an empty baseURL uses Yahoo
func NewSearcher(baseURL string) *Searcher {
	if baseURL == "" {
		baseURL = yahooSearchURL
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(10 * time.Second)
	client.SetHeader("User-Agent", "Mozilla/5.0 (compatible; gridtrader)")
	return &Searcher{client: client}
}

// Search returns up to limit matches for query
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 || limit > 25 {
		limit = 10
	}

	var body yahooSearchResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":           query,
			"quotesCount": fmt.Sprintf("%d", limit),
			"newsCount":   "0",
		}).
		SetResult(&body).
		Get("/v1/finance/search")
	if err != nil {
		return nil, fmt.Errorf("symbol search failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("symbol search failed: status %d", resp.StatusCode())
	}

	results := make([]SearchResult, 0, len(body.Quotes))
	for _, q := range body.Quotes {
		if q.Symbol == "" {
			continue
		}
		name := q.LongName
		if name == "" {
			name = q.ShortName
		}
		results = append(results, SearchResult{
			Symbol:   q.Symbol,
			Name:     name,
			Exchange: q.Exchange,
			Type:     q.QuoteType,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}
