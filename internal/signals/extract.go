// Package signals derives claim identity from generic page signals: URL query
// parameters, reachable frame URLs and the document title.
package signals

import (
	"net/url"
	"regexp"
	"strings"
)

// Page is what the host can observe about a document without knowing its
// structure.
type Page struct {
	URL       string
	Title     string
	FrameURLs []string
}

// Claim is one detection. ExternalID is always set on a successful match.
type Claim struct {
	ExternalID    string `json:"external_id"`
	ClaimNumber   string `json:"claim_number,omitempty"`
	ClaimantID    string `json:"claimant_id,omitempty"`
	ClaimantName  string `json:"claimant_name,omitempty"`
	InsuranceType string `json:"insurance_type,omitempty"`
	// Source names the signal that produced ExternalID: query, frame, path or title.
	Source string `json:"source"`
}

// Extractor turns a page into a claim detection.
type Extractor interface {
	Extract(Page) (Claim, bool)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(Page) (Claim, bool)

func (f ExtractorFunc) Extract(p Page) (Claim, bool) { return f(p) }

// Chain tries each extractor in order and returns the first match.
type Chain []Extractor

func (c Chain) Extract(p Page) (Claim, bool) {
	for _, ex := range c {
		if claim, ok := ex.Extract(p); ok {
			return claim, true
		}
	}
	return Claim{}, false
}

var (
	claimIDParams     = []string{"current_claim_id", "claim_id", "claimId"}
	claimantIDParams  = []string{"current_claimant_id", "claimant_id", "claimantId"}
	claimNumberParams = []string{"claim_number", "claim_no", "claimNumber"}
	insuranceParams   = []string{"insurance_type", "insuranceType"}

	pathPattern  = regexp.MustCompile(`(?i)claim[_-]?id[=/](\w+)`)
	titlePattern = regexp.MustCompile(`(?i)claim[:\s]+(\w+)`)
)

// Default is the extractor used when none is configured: query parameters on
// the top document, then on each frame, then the URL path, then the title.
var Default Extractor = Chain{
	ExtractorFunc(fromQuery),
	ExtractorFunc(fromFrames),
	ExtractorFunc(fromPath),
	ExtractorFunc(fromTitle),
}

// Extract runs the default extractor.
func Extract(p Page) (Claim, bool) {
	return Default.Extract(p)
}

func fromQuery(p Page) (Claim, bool) {
	claim, ok := claimFromURL(p.URL)
	if !ok {
		return Claim{}, false
	}
	claim.Source = "query"
	return finish(claim, p), true
}

func fromFrames(p Page) (Claim, bool) {
	for _, frame := range p.FrameURLs {
		if claim, ok := claimFromURL(frame); ok {
			claim.Source = "frame"
			return finish(claim, p), true
		}
	}
	return Claim{}, false
}

func fromPath(p Page) (Claim, bool) {
	m := pathPattern.FindStringSubmatch(p.URL)
	if len(m) != 2 {
		return Claim{}, false
	}
	id := normalizeValue(m[1])
	if id == "" {
		return Claim{}, false
	}
	return finish(Claim{ExternalID: id, Source: "path"}, p), true
}

// fromTitle treats a "Claim: <n>" title as both the claim number and the
// external id.
func fromTitle(p Page) (Claim, bool) {
	m := titlePattern.FindStringSubmatch(p.Title)
	if len(m) != 2 {
		return Claim{}, false
	}
	n := normalizeValue(m[1])
	if n == "" {
		return Claim{}, false
	}
	return finish(Claim{ExternalID: n, ClaimNumber: n, Source: "title"}, p), true
}

func claimFromURL(raw string) (Claim, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return Claim{}, false
	}
	q := u.Query()
	id := firstParam(q, claimIDParams)
	if id == "" {
		return Claim{}, false
	}
	return Claim{
		ExternalID:    id,
		ClaimNumber:   firstParam(q, claimNumberParams),
		ClaimantID:    firstParam(q, claimantIDParams),
		InsuranceType: firstParam(q, insuranceParams),
	}, true
}

func finish(c Claim, p Page) Claim {
	if c.ClaimantName == "" {
		c.ClaimantName = strings.TrimSpace(p.Title)
	}
	return c
}

func firstParam(q url.Values, names []string) string {
	for _, name := range names {
		if v := normalizeValue(q.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// normalizeValue trims whitespace, quotes and trailing punctuation. Case is
// preserved since claim identifiers may be case sensitive.
func normalizeValue(value string) string {
	normalized := strings.TrimSpace(value)
	normalized = strings.Trim(normalized, "\"'`")
	normalized = strings.TrimRight(normalized, ".,;:)]}")
	return normalized
}
