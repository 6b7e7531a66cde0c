package parser

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/pharmacy-scraper/internal/config"
	"github.com/maltedev/pharmacy-scraper/internal/models"
	"golang.org/x/text/unicode/norm"
)

// PharmacyExtractor builds a ProductRecord from a product page. It holds no
// per-page state and is safe for concurrent use.
type PharmacyExtractor struct {
	rules config.Rules
	now   func() time.Time
}

func NewPharmacyExtractor(rules config.Rules) *PharmacyExtractor {
	return &PharmacyExtractor{
		rules: rules.Clone(),
		now:   time.Now,
	}
}

// WithClock returns a copy of the extractor stamping records with now().
func (p *PharmacyExtractor) WithClock(now func() time.Time) *PharmacyExtractor {
	cp := *p
	cp.now = now
	return &cp
}

func (p *PharmacyExtractor) ParseProductPage(html string, pageURL string) (*models.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return p.Extract(doc, pageURL)
}

func (p *PharmacyExtractor) Extract(doc *goquery.Document, pageURL string) (*models.ProductRecord, error) {
	rpc, err := extractRPC(pageURL)
	if err != nil {
		return nil, err
	}

	sel := p.rules.Selectors

	header := doc.Find(sel.Header).First()
	if header.Length() == 0 {
		return nil, missing(pageURL, AnchorHeader)
	}

	rawTitle := strings.TrimSpace(header.Find(sel.Title).First().Text())
	if rawTitle == "" {
		return nil, missing(pageURL, AnchorTitle)
	}

	manufacturer := texts(header.Find(sel.ManufacturerInfo), false)
	if len(manufacturer) != 2 {
		return nil, wrongCount(pageURL, AnchorManufacturer, len(manufacturer))
	}
	country, brand := manufacturer[0], manufacturer[1]

	record := models.NewProductRecord(rpc, pageURL, p.now())

	parts := DecomposeTitle(rawTitle, p.rules.PortionSymbols)
	record.Title = parts.Title
	setIfPresent(record.Metadata, models.MetaPortionsAmount, parts.PortionsAmount)
	setIfPresent(record.Metadata, models.MetaPortionSize, parts.PortionSize)
	setIfPresent(record.Metadata, models.MetaMedsPercentage, parts.MedsPercentage)

	record.Brand = brand
	record.Metadata[models.MetaCountry] = country

	if sel.Tags != "" {
		record.Tags = texts(header.Find(sel.Tags), true)
	}

	if sel.Section != "" {
		record.Section = sectionPath(texts(header.Find(sel.Section), true))
	}

	if sel.Description != "" {
		record.Metadata[models.MetaDescription] = p.extractDescription(doc)
	}

	if sel.Prices != "" {
		record.Price, record.Stock = ParsePrices(texts(doc.Find(sel.Prices), true))
	}

	if sel.Images != "" {
		record.Assets.MainImage, record.Assets.OtherImages = p.extractImages(doc, pageURL)
	}

	return record, nil
}

// extractRPC takes the site product code: the URL path suffix after the last "_".
func extractRPC(pageURL string) (string, error) {
	raw := pageURL
	if u, err := url.Parse(pageURL); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		raw = u.String()
	}
	raw = strings.TrimRight(raw, "/")

	i := strings.LastIndex(raw, "_")
	if i < 0 || i == len(raw)-1 {
		return "", missing(pageURL, AnchorProductID)
	}
	return raw[i+1:], nil
}

// sectionPath drops the two root-ward ancestors every page shares and the
// trailing crumb, which is the product itself.
func sectionPath(crumbs []string) []string {
	if len(crumbs) < 3 {
		return make([]string, 0)
	}
	out := make([]string, len(crumbs)-3)
	copy(out, crumbs[2:len(crumbs)-1])
	return out
}

func (p *PharmacyExtractor) extractDescription(doc *goquery.Document) string {
	var fragments []string
	doc.Find(p.rules.Selectors.Description).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(norm.NFKC.String(s.Text()))
		if text != "" {
			fragments = append(fragments, text)
		}
	})
	return strings.Join(fragments, " ")
}

func (p *PharmacyExtractor) extractImages(doc *goquery.Document, pageURL string) (*string, []string) {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	// Images with neither src nor data-src are skipped, so the first
	// sourced image becomes the main one.
	var images []string
	doc.Find(p.rules.Selectors.Images).Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok || strings.TrimSpace(src) == "" {
			src, ok = s.Attr("data-src")
		}
		src = strings.TrimSpace(src)
		if !ok || src == "" {
			return
		}
		images = append(images, resolve(base, src))
	})

	if len(images) == 0 {
		return nil, make([]string, 0)
	}
	main := images[0]
	return &main, images[1:]
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// texts returns the trimmed text of each node, in document order.
func texts(s *goquery.Selection, skipEmpty bool) []string {
	out := make([]string, 0, s.Length())
	s.Each(func(_ int, n *goquery.Selection) {
		text := strings.TrimSpace(n.Text())
		if skipEmpty && text == "" {
			return
		}
		out = append(out, text)
	})
	return out
}

func setIfPresent(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
