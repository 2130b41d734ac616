// Package extract pulls the title, links, main text and image sources out of
// fetched HTML pages.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
)

// BoilerplateSelectors are removed before the main text is read.
var BoilerplateSelectors = []string{
	".mw-editsection",
	".navbox",
	"#mw-navigation",
	"#footer",
	".sidebar",
	".infobox",
	"script",
	"style",
	".reference",
	".references",
}

const (
	mainContentSelector = "#mw-content-text"
	blockSelector       = "p, h1, h2, h3, h4, h5, h6"
)

// Page is the parsed view of an HTML document.
type Page struct {
	// Title is the trimmed <title> text, or crawler.DefaultTitle when missing.
	Title string
	// Links holds raw href values in document order.
	Links []string
	// Text is the main content with headings rendered as markdown-style lines.
	Text string
	// Images holds absolute .jpg/.jpeg sources in document order.
	Images []string
}

// Parse reads an HTML body. pageURL resolves relative image sources; links
// are returned unresolved so the link policy can apply its own rules.
func Parse(body []byte, pageURL string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}

	page := Page{
		Title: title(doc),
		Links: links(doc),
	}
	page.Images = images(doc, base)

	doc.Find(strings.Join(BoilerplateSelectors, ", ")).Remove()
	page.Text = mainText(doc)
	return page, nil
}

func title(doc *goquery.Document) string {
	t := strings.TrimSpace(doc.Find("title").First().Text())
	if t == "" {
		return crawler.DefaultTitle
	}
	return t
}

func links(doc *goquery.Document) []string {
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		out = append(out, href)
	})
	return out
}

func images(doc *goquery.Document, base *url.URL) []string {
	var out []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		lower := strings.ToLower(src)
		if !strings.Contains(lower, ".jpg") && !strings.Contains(lower, ".jpeg") {
			return
		}
		if abs, ok := resolveImage(base, src); ok {
			out = append(out, abs)
		}
	})
	return out
}

// resolveImage turns protocol-relative sources into https and resolves the
// rest against the page URL.
func resolveImage(base *url.URL, src string) (string, bool) {
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

func mainText(doc *goquery.Document) string {
	content := doc.Find(mainContentSelector)
	if content.Length() == 0 {
		return strings.Join(strings.Fields(doc.Text()), " ")
	}

	var blocks []string
	content.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		name := goquery.NodeName(s)
		if len(name) == 2 && name[0] == 'h' {
			level := int(name[1] - '0')
			blocks = append(blocks, "\n"+strings.Repeat("#", level)+" "+text+"\n")
			return
		}
		blocks = append(blocks, text)
	})
	return strings.Join(blocks, "\n\n")
}
