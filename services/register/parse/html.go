// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"golang.org/x/net/html"
)

// HTMLExtractor reads the structure of legislation markup.
//
// # Description
//
// It works on legislation.gov.uk style HTML and degrades to plain text:
// titles come from <title>/<h1>, descriptions from the description meta
// tag, made and coming-into-force dates and territorial extent from the
// visible text. Paragraphs are counted per part (body, schedules,
// attachments) and scanned for duty holders and duty types.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type HTMLExtractor struct {
	maxClauses  int
	clauseChars int
}

// NewHTMLExtractor returns the structural extractor.
func NewHTMLExtractor() *HTMLExtractor {
	return &HTMLExtractor{maxClauses: 200, clauseChars: 480}
}

// Name implements Extractor.
func (x *HTMLExtractor) Name() string { return "html" }

// Metadata implements Extractor.
func (x *HTMLExtractor) Metadata(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.InstrumentMetadata, error) {
	doc, err := x.read(ctx, inst)
	if err != nil {
		return nil, err
	}
	return &datatypes.InstrumentMetadata{
		Instrument:          inst.Name,
		Title:               doc.titleOr(inst.Title),
		Description:         doc.description,
		MadeDate:            findDate(madeRe, doc.text),
		ComingIntoForceDate: findDate(forceRe, doc.text),
		Paragraphs:          doc.counts(),
	}, nil
}

// Extract implements Extractor.
func (x *HTMLExtractor) Extract(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.ParseAnnotation, error) {
	doc, err := x.read(ctx, inst)
	if err != nil {
		return nil, err
	}
	extent, regions := findExtent(doc.text)
	ann := &datatypes.ParseAnnotation{
		Title:               doc.titleOr(inst.Title),
		Description:         doc.description,
		MadeDate:            findDate(madeRe, doc.text),
		ComingIntoForceDate: findDate(forceRe, doc.text),
		GeoExtent:           extent,
		GeoRegion:           regions,
		Paragraphs:          doc.counts(),
	}

	holders := map[string]struct{}{}
	types := map[string]struct{}{}
	for _, p := range doc.paragraphs {
		dutyType := classifyDuty(p.text)
		if dutyType == "" {
			continue
		}
		found := findHolders(p.text)
		if len(found) == 0 && dutyType != dutyOffence {
			continue
		}
		types[dutyType] = struct{}{}
		for _, h := range found {
			holders[h] = struct{}{}
		}
		if len(ann.Clauses) < x.maxClauses {
			ann.Clauses = append(ann.Clauses, datatypes.Clause{
				Ref:      p.ref,
				Text:     truncate(p.text, x.clauseChars),
				DutyType: dutyType,
				Holders:  found,
			})
		}
	}
	ann.DutyHolders = sortedKeys(holders)
	ann.DutyTypes = sortedKeys(types)
	return ann, nil
}

func (x *HTMLExtractor) read(ctx context.Context, inst *datatypes.LegalInstrument) (*document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(inst.Content) == "" {
		return nil, ErrNoContent
	}
	return readDocument(inst.Content)
}

// =============================================================================
// Document Model
// =============================================================================

type part int

const (
	partBody part = iota
	partSchedule
	partAttachment
)

type paragraph struct {
	ref  string
	part part
	text string
}

type document struct {
	title       string
	heading     string
	description string
	paragraphs  []paragraph
	text        string
}

func (d *document) titleOr(fallback string) string {
	switch {
	case d.title != "":
		return d.title
	case d.heading != "":
		return d.heading
	default:
		return fallback
	}
}

func (d *document) counts() datatypes.ParagraphCounts {
	var c datatypes.ParagraphCounts
	for _, p := range d.paragraphs {
		switch p.part {
		case partSchedule:
			c.Schedule++
		case partAttachment:
			c.Attachment++
		default:
			c.Body++
		}
	}
	c.Total = c.Body + c.Schedule + c.Attachment
	return c
}

var skipTags = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true,
	"footer": true, "noscript": true, "iframe": true,
}

func readDocument(content string) (*document, error) {
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc := &document{}
	var lines []string
	var walk func(n *html.Node, in part)
	walk = func(n *html.Node, in part) {
		if n.Type == html.ElementNode {
			if skipTags[n.Data] {
				return
			}
			in = partOf(n, in)
			switch n.Data {
			case "title":
				if doc.title == "" {
					doc.title = textOf(n)
				}
				return
			case "meta":
				name := strings.ToLower(attr(n, "name"))
				if doc.description == "" && (name == "description" || name == "dc.description") {
					doc.description = strings.TrimSpace(attr(n, "content"))
				}
				return
			case "h1":
				if doc.heading == "" {
					doc.heading = textOf(n)
				}
			case "p", "li":
				if text := textOf(n); text != "" {
					ref := attr(n, "id")
					if ref == "" {
						ref = fmt.Sprintf("p%d", len(doc.paragraphs)+1)
					}
					doc.paragraphs = append(doc.paragraphs, paragraph{ref: ref, part: in, text: text})
					lines = append(lines, text)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				lines = append(lines, n.Data)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, in)
		}
	}
	walk(root, partBody)

	doc.text = strings.Join(lines, "\n")
	if len(doc.paragraphs) == 0 {
		doc.paragraphs = plainParagraphs(doc.text)
	}
	if doc.description == "" && len(doc.paragraphs) > 0 {
		doc.description = truncate(doc.paragraphs[0].text, 300)
	}
	return doc, nil
}

// plainParagraphs splits unstructured text into one paragraph per non-empty
// line. SCHEDULE and ANNEX/APPENDIX headings switch the part.
func plainParagraphs(text string) []paragraph {
	var out []paragraph
	in := partBody
	for _, line := range strings.Split(text, "\n") {
		line = collapse(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "SCHEDULE"):
			in = partSchedule
		case strings.HasPrefix(upper, "ANNEX"), strings.HasPrefix(upper, "APPENDIX"):
			in = partAttachment
		}
		out = append(out, paragraph{ref: fmt.Sprintf("p%d", len(out)+1), part: in, text: line})
	}
	return out
}

func partOf(n *html.Node, inherited part) part {
	marker := strings.ToLower(attr(n, "class") + " " + attr(n, "id"))
	switch {
	case strings.Contains(marker, "schedule"):
		return partSchedule
	case strings.Contains(marker, "attachment"),
		strings.Contains(marker, "annex"),
		strings.Contains(marker, "appendix"):
		return partAttachment
	default:
		return inherited
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return collapse(sb.String())
}

// =============================================================================
// Scanners
// =============================================================================

var (
	dateExpr = `(\d{4}-\d{2}-\d{2}|\d{1,2}(?:st|nd|rd|th)?\s+[A-Za-z]+\s+\d{4})`
	madeRe   = regexp.MustCompile(`(?i)\bmade\s*[:\-]?\s*` + dateExpr)
	forceRe  = regexp.MustCompile(`(?i)\bcoming\s+into\s+force\s*[:\-]?\s*` + dateExpr)
	ordinal  = regexp.MustCompile(`(?i)^(\d{1,2})(?:st|nd|rd|th)`)

	extentCodeRe   = regexp.MustCompile(`(?:^|[\s(\[])((?:E|W|S|N\.?I\.?)(?:\+(?:E|W|S|N\.?I\.?))+)`)
	extentPhraseRe = regexp.MustCompile(`(?i)\bextends?\s+to\s+((?:England|Wales|Scotland|Northern Ireland)(?:(?:\s*,\s*|\s+and\s+)(?:England|Wales|Scotland|Northern Ireland))*)`)

	offenceRe     = regexp.MustCompile(`(?i)\b(?:commits|guilty of) an offence\b`)
	prohibitionRe = regexp.MustCompile(`(?i)\b(?:shall|must)\s+not\b`)
	dutyRe        = regexp.MustCompile(`(?i)\b(?:shall|must)\b`)
	powerRe       = regexp.MustCompile(`(?i)\bmay\b`)
)

// Duty types, ordered by precedence.
const (
	dutyOffence     = "Offence"
	dutyProhibition = "Prohibition"
	dutyDuty        = "Duty"
	dutyPower       = "Power"
)

var regionOrder = []struct {
	code, name string
}{
	{"E", "England"},
	{"W", "Wales"},
	{"S", "Scotland"},
	{"NI", "Northern Ireland"},
}

var holderTerms = []struct {
	label string
	re    *regexp.Regexp
}{
	{"Employer", regexp.MustCompile(`(?i)\bemployers?\b`)},
	{"Employee", regexp.MustCompile(`(?i)\bemployees?\b`)},
	{"Self-employed person", regexp.MustCompile(`(?i)\bself-employed\b`)},
	{"Occupier", regexp.MustCompile(`(?i)\boccupiers?\b`)},
	{"Operator", regexp.MustCompile(`(?i)\boperators?\b`)},
	{"Owner", regexp.MustCompile(`(?i)\bowners?\b`)},
	{"Manufacturer", regexp.MustCompile(`(?i)\bmanufacturers?\b`)},
	{"Supplier", regexp.MustCompile(`(?i)\bsuppliers?\b`)},
	{"Person in control", regexp.MustCompile(`(?i)\bperson in control\b`)},
	{"Local authority", regexp.MustCompile(`(?i)\blocal authorit(?:y|ies)\b`)},
	{"Enforcing authority", regexp.MustCompile(`(?i)\benforcing authorit(?:y|ies)\b`)},
	{"Environment Agency", regexp.MustCompile(`(?i)\bEnvironment Agency\b`)},
	{"Secretary of State", regexp.MustCompile(`(?i)\bSecretary of State\b`)},
}

// findDate returns the first date re matches in text as YYYY-MM-DD, or the
// raw match when it cannot be normalized.
func findDate(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	raw := collapse(m[1])
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.Format("2006-01-02")
	}
	fields := strings.Fields(ordinal.ReplaceAllString(raw, "$1"))
	if len(fields) == 3 {
		month := strings.ToUpper(fields[1][:1]) + strings.ToLower(fields[1][1:])
		if t, err := time.Parse("2 January 2006", fields[0]+" "+month+" "+fields[2]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}

// findExtent returns the territorial extent code (e.g. "E+W+S+NI") and the
// region names it covers.
func findExtent(text string) (string, []string) {
	present := map[string]bool{}
	if m := extentCodeRe.FindStringSubmatch(text); m != nil {
		for _, tok := range strings.Split(m[1], "+") {
			present[strings.ReplaceAll(tok, ".", "")] = true
		}
	} else if m := extentPhraseRe.FindStringSubmatch(text); m != nil {
		lower := strings.ToLower(m[1])
		for _, r := range regionOrder {
			if strings.Contains(lower, strings.ToLower(r.name)) {
				present[r.code] = true
			}
		}
	}
	if len(present) == 0 {
		return "", nil
	}
	var codes, names []string
	for _, r := range regionOrder {
		if present[r.code] {
			codes = append(codes, r.code)
			names = append(names, r.name)
		}
	}
	return strings.Join(codes, "+"), names
}

func classifyDuty(text string) string {
	switch {
	case offenceRe.MatchString(text):
		return dutyOffence
	case prohibitionRe.MatchString(text):
		return dutyProhibition
	case dutyRe.MatchString(text):
		return dutyDuty
	case powerRe.MatchString(text):
		return dutyPower
	default:
		return ""
	}
}

func findHolders(text string) []string {
	var out []string
	for _, h := range holderTerms {
		if h.re.MatchString(text) {
			out = append(out, h.label)
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
