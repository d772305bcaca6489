// Package discover finds the current CMED price list on the publication page
// and downloads it.
package discover

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"cmedetl/internal/parser"
)

// DefaultPage is the ANVISA page that links the consolidated price lists.
const DefaultPage = "https://www.gov.br/anvisa/pt-br/assuntos/medicamentos/cmed/precos"

// Link is one candidate download found on a listing page.
type Link struct {
	URL  string
	Text string
	Ext  string // ".xlsx", ".xls" or ".csv"
}

var sheetExts = map[string]bool{".xlsx": true, ".xls": true, ".csv": true}

// Keywords matched against the folded href and anchor text.
var priceKeywords = []string{"PMC", "PRECO", "CONFORMIDADE"}

// FindLinks returns the spreadsheet links on the page whose href or text
// mentions a price list, in document order and without duplicates.
func FindLinks(pageURL string, r io.Reader) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	base, _ := url.Parse(pageURL)

	seen := make(map[string]bool)
	var out []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		abs := ResolveHref(base, href)
		ext := linkExt(abs)
		if !sheetExts[ext] {
			return
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if !mentionsPrices(abs + " " + text + " " + s.AttrOr("title", "")) {
			return
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, Link{URL: abs, Text: text, Ext: ext})
	})
	return out, nil
}

// Best picks the link to load: the first .xlsx, else the first .csv.
// Legacy .xls links are never picked.
func Best(links []Link) (Link, bool) {
	for _, want := range []string{".xlsx", ".csv"} {
		for _, l := range links {
			if l.Ext == want {
				return l, true
			}
		}
	}
	return Link{}, false
}

// ResolveHref resolves href against base, returning an absolute URL string.
// If href is invalid, it is returned unchanged.
func ResolveHref(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// linkExt is the lower-cased extension of the URL path. Plone-style
// ".../lista.xlsx/@@download/file" paths are matched on the named segment.
func linkExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := u.Path
	if i := strings.Index(p, "/@@download"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}

func mentionsPrices(s string) bool {
	folded := parser.FoldHeader(s)
	for _, k := range priceKeywords {
		if strings.Contains(folded, k) {
			return true
		}
	}
	return false
}
