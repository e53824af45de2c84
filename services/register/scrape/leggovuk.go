// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scrape provides the network-backed scrapers of the session
// pipeline.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/session"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultTypeCodes are queried when a descriptor names none.
var DefaultTypeCodes = []string{"ukpga", "uksi", "ssi", "wsi", "nisr"}

const (
	defaultBaseURL   = "https://www.legislation.gov.uk"
	maxListingBytes  = 5 * 1024 * 1024
	maxDocumentBytes = 20 * 1024 * 1024
)

// ErrUpstream is wrapped by failures of the remote service.
var ErrUpstream = errors.New("legislation.gov.uk request failed")

// instrumentPath matches the canonical path of one instrument.
var instrumentPath = regexp.MustCompile(`^/([a-z]+)/(\d{4})/(\d+)(?:/|$)`)

// LegGovUKConfig configures the legislation.gov.uk scraper.
type LegGovUKConfig struct {
	// BaseURL of the site. Default: https://www.legislation.gov.uk.
	BaseURL string

	// Client is the HTTP client. Default: 30s timeout.
	Client *http.Client

	// RequestsPerSecond throttles every request. Default: 2.
	RequestsPerSecond float64

	// Concurrency bounds parallel document downloads. Default: 4.
	Concurrency int

	// SkipContent leaves Content empty instead of downloading each document.
	SkipContent bool

	// UserAgent is sent with every request.
	UserAgent string

	Logger *slog.Logger
}

// LegGovUK scrapes the "new legislation" listings of legislation.gov.uk.
//
// # Description
//
// For every day in the descriptor's range and every type code, the listing
// page {base}/new/{type}/{yyyy-mm-dd} is read and each linked instrument
// becomes a RawRecord named by its title. Unless SkipContent is set, the
// made version of each instrument is downloaded as the record's content.
//
// # Thread Safety
//
// Safe for concurrent use. All requests share one rate limiter.
type LegGovUK struct {
	base        *url.URL
	client      *http.Client
	limiter     *rate.Limiter
	concurrency int
	skipContent bool
	userAgent   string
	logger      *slog.Logger
}

// NewLegGovUK creates the scraper.
func NewLegGovUK(cfg LegGovUKConfig) (*LegGovUK, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "legalcascade/1.0 (register scraper)"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LegGovUK{
		base:        base,
		client:      cfg.Client,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		concurrency: cfg.Concurrency,
		skipContent: cfg.SkipContent,
		userAgent:   cfg.UserAgent,
		logger:      cfg.Logger,
	}, nil
}

// Kind implements session.Scraper.
func (s *LegGovUK) Kind() datatypes.SourceKind { return datatypes.SourceLegGovUK }

// Fetch implements session.Scraper.
func (s *LegGovUK) Fetch(ctx context.Context, src datatypes.SourceDescriptor) ([]datatypes.RawRecord, error) {
	q := src.LegGovUK
	if q == nil {
		return nil, datatypes.NewError(datatypes.KindInvalidSource, string(src.Kind), "missing leg_gov_uk query")
	}
	types := q.TypeCodes
	if len(types) == 0 {
		types = DefaultTypeCodes
	}

	var records []datatypes.RawRecord
	seen := make(map[string]struct{})
	for day := q.DayFrom; day <= q.DayTo; day++ {
		date := time.Date(q.Year, time.Month(q.Month), day, 0, 0, 0, 0, time.UTC)
		if date.Month() != time.Month(q.Month) {
			break
		}
		for _, typ := range types {
			found, err := s.listing(ctx, typ, date)
			if err != nil {
				return nil, err
			}
			for _, r := range found {
				if _, dup := seen[r.URL]; dup {
					continue
				}
				seen[r.URL] = struct{}{}
				records = append(records, r)
			}
		}
	}
	records = dedupeNames(records)

	if !s.skipContent {
		if err := s.download(ctx, records); err != nil {
			return nil, err
		}
	}
	s.logger.Info("Scraped legislation listings",
		slog.String("source", src.Label()),
		slog.Int("records", len(records)))
	return records, nil
}

// listing reads one day's listing for one type code. A 404 means nothing
// was published.
func (s *LegGovUK) listing(ctx context.Context, typ string, date time.Time) ([]datatypes.RawRecord, error) {
	path := fmt.Sprintf("/new/%s/%s", url.PathEscape(typ), date.Format("2006-01-02"))
	body, status, err := s.get(ctx, path, maxListingBytes)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", path, err)
	}
	return s.recordsFrom(doc, typ), nil
}

// recordsFrom collects the instrument links of a listing page.
func (s *LegGovUK) recordsFrom(doc *html.Node, typ string) []datatypes.RawRecord {
	var out []datatypes.RawRecord
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if r, ok := s.recordFromLink(n, typ); ok {
				out = append(out, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func (s *LegGovUK) recordFromLink(a *html.Node, typ string) (datatypes.RawRecord, bool) {
	href := ""
	for _, at := range a.Attr {
		if at.Key == "href" {
			href = at.Val
		}
	}
	u, err := url.Parse(href)
	if err != nil {
		return datatypes.RawRecord{}, false
	}
	m := instrumentPath.FindStringSubmatch(u.Path)
	if m == nil || m[1] != typ {
		return datatypes.RawRecord{}, false
	}
	title := strings.Join(strings.Fields(linkText(a)), " ")
	if title == "" {
		return datatypes.RawRecord{}, false
	}
	year, _ := strconv.Atoi(m[2])
	canonical := *s.base
	canonical.Path = fmt.Sprintf("/%s/%s/%s", m[1], m[2], m[3])
	return datatypes.RawRecord{
		Name:     title,
		Title:    title,
		URL:      canonical.String(),
		TypeCode: m[1],
		Number:   m[3],
		Year:     year,
	}, true
}

func linkText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// download fills Content with each instrument's made version.
func (s *LegGovUK) download(ctx context.Context, records []datatypes.RawRecord) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range records {
		g.Go(func() error {
			u, err := url.Parse(records[i].URL)
			if err != nil {
				return fmt.Errorf("record %q: %w", records[i].Name, err)
			}
			body, status, err := s.get(ctx, u.Path+"/made", maxDocumentBytes)
			if err != nil {
				return err
			}
			if status == http.StatusNotFound {
				s.logger.Warn("No made version published", slog.String("instrument", records[i].Name))
				return nil
			}
			records[i].Content = body
			return nil
		})
	}
	return g.Wait()
}

// get issues a throttled GET for path under the base URL. Statuses other
// than 200 and 404 are errors.
func (s *LegGovUK) get(ctx context.Context, path string, limit int64) (string, int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", 0, err
	}
	u := *s.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: %v", ErrUpstream, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", resp.StatusCode, nil
	default:
		return "", resp.StatusCode, fmt.Errorf("%w: %s: HTTP %d", ErrUpstream, path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}
	return string(body), resp.StatusCode, nil
}

// dedupeNames keeps names unique by suffixing the citation to any title
// that repeats, then sorts by name.
func dedupeNames(records []datatypes.RawRecord) []datatypes.RawRecord {
	count := make(map[string]int, len(records))
	for _, r := range records {
		count[r.Name]++
	}
	for i, r := range records {
		if count[r.Name] > 1 {
			records[i].Name = fmt.Sprintf("%s (%s %d/%s)", r.Name, r.TypeCode, r.Year, r.Number)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

var _ session.Scraper = (*LegGovUK)(nil)
