package parser

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/pharmacy-scraper/internal/config"
)

// Links are the outbound links of a listing page, split by what the crawler
// should do with them.
type Links struct {
	Products   []string
	Pagination []string
}

// LinkClassifier partitions the anchors of a page into product and
// pagination links. It is stateless and safe for concurrent use.
type LinkClassifier struct {
	rules config.Rules
}

func NewLinkClassifier(rules config.Rules) *LinkClassifier {
	return &LinkClassifier{rules: rules.Clone()}
}

func (c *LinkClassifier) Classify(doc *goquery.Document, baseURL string) Links {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	return Links{
		Products:   c.collect(doc, base, c.rules.Selectors.ProductLinks, c.rules.DenyPathSegment),
		Pagination: c.collect(doc, base, c.rules.Selectors.PaginationLinks, ""),
	}
}

func (c *LinkClassifier) collect(doc *goquery.Document, base *url.URL, selector, deny string) []string {
	links := make([]string, 0)
	if selector == "" {
		return links
	}

	seen := make(map[string]bool)
	add := func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		abs, ok := c.normalize(base, href)
		if !ok || seen[abs] {
			return
		}
		if deny != "" && strings.Contains(abs, deny) {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	}

	// A selector may point at anchors or at the region that contains them.
	doc.Find(selector).Each(func(i int, s *goquery.Selection) {
		if goquery.NodeName(s) == "a" {
			add(i, s)
			return
		}
		s.Find("a[href]").Each(add)
	})

	return links
}

func (c *LinkClassifier) normalize(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !c.allowedHost(u.Hostname()) {
		return "", false
	}

	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

func (c *LinkClassifier) allowedHost(host string) bool {
	if len(c.rules.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, domain := range c.rules.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
