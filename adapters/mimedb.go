package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bacteria-ingest/bacteria"
)

const DefaultBaseURL = "https://mimedb.org"

// IDPrefix marks MiMeDB microbe identifiers.
const IDPrefix = "MMDBm"

var (
	titleRe   = regexp.MustCompile(`^(.*?) \((MMDBm\d+)\)`)
	numericRe = regexp.MustCompile(`-?\d+(\.\d+)?`)
	negatedRe = regexp.MustCompile(`\b(non[- ]?|not |a)pathogen`)
)

type MimeDBOptions struct {
	BaseURL string
	Fetcher Fetcher
	Logger  *slog.Logger
}

// MimeDB discovers microbe ids from the paged listing and extracts detail pages.
type MimeDB struct {
	base  string
	fetch Fetcher
	log   *slog.Logger
}

func NewMimeDB(opts MimeDBOptions) *MimeDB {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MimeDB{base: base, fetch: opts.Fetcher, log: log}
}

func (m *MimeDB) ListingURL(page int) string {
	return fmt.Sprintf("%s/microbes?page=%d", m.base, page)
}

func (m *MimeDB) DetailURL(id string) string {
	return m.base + "/microbes/" + id
}

// Discover walks listing pages 1..maxPages and returns ids in page order.
// A page that cannot be fetched is logged and skipped. Repeated ids keep
// their first position. Only cancellation is returned as an error.
func (m *MimeDB) Discover(ctx context.Context, maxPages int) ([]string, error) {
	if maxPages <= 0 {
		return nil, nil
	}
	m.log.Info("discovering bacteria", "max_pages", maxPages)
	var ids []string
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.log.Info("fetching listing page", "page", page, "of", maxPages)
		body, err := m.fetch.Fetch(ctx, m.ListingURL(page))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Error("listing page failed, skipping", "page", page, "err", err)
			continue
		}
		ids = append(ids, ParseListing(body)...)
		m.log.Info("listing page parsed", "page", page, "ids_so_far", len(ids))
	}
	return normalizeIDs(ids), nil
}

// ParseListing returns the microbe ids linked from one listing page.
func ParseListing(content []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("td.microbe-link a.btn-card").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimRight(strings.TrimSpace(href), "/")
		id := href[strings.LastIndex(href, "/")+1:]
		if strings.HasPrefix(id, IDPrefix) {
			out = append(out, id)
		}
	})
	return out
}

func normalizeIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var taxonomyRows = map[string]string{
	"Superkingdom": "superkingdom",
	"Kingdom":      "kingdom",
	"Phylum":       "phylum",
	"Class":        "class_name",
	"Order":        "order",
	"Family":       "family",
	"Genus":        "genus",
	"Species":      "species",
	"Strain":       "strain",
}

var propertyRows = map[string]string{
	"Gram staining properties": "gram_stain",
	"Shape":                    "shape",
	"Mobility":                 "mobility",
	"Flagellar presence":       "flagellar_presence",
	"Number of membranes":      "number_of_membranes",
	"Oxygen preference":        "oxygen_preference",
	"Optimal temperature":      "optimal_temperature",
	"Temperature range":        "temperature_range",
	"Habitat":                  "habitat",
	"Biotic relationship":      "biotic_relationship",
	"Cell arrangement":         "cell_arrangement",
	"Sporulation":              "sporulation",
	"Metabolism":               "metabolism",
	"Energy source":            "energy_source",
}

// Extract maps one detail page onto a Record. It never fails: sections that
// are missing or malformed simply leave their fields absent.
func (m *MimeDB) Extract(content []byte) bacteria.Record {
	return ExtractRecord(content)
}

func ExtractRecord(content []byte) bacteria.Record {
	var rec bacteria.Record
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return rec
	}

	if h1 := doc.Find(".page-header h1").First(); h1.Length() > 0 {
		title := strings.TrimSpace(h1.Text())
		if mm := titleRe.FindStringSubmatch(title); mm != nil {
			rec.Name = bacteria.Some(mm[1])
			rec.BacteriaID = mm[2]
		} else {
			rec.Name = bacteria.Some(title)
		}
	}

	eachRow(doc.Find("tbody#taxinfo").First(), func(header string, cell *goquery.Selection) {
		if col, ok := taxonomyRows[header]; ok {
			_ = rec.Assign(col, strings.TrimSpace(cell.Text()))
		}
	})

	eachRow(doc.Find("tbody#microbe-properties").First(), func(header string, cell *goquery.Selection) {
		col, ok := propertyRows[header]
		if !ok {
			return
		}
		if cell.Find("span.wishart-not-available").Length() > 0 {
			_ = rec.Assign(col, nil)
			return
		}
		text := strings.TrimSpace(cell.Text())
		switch col {
		case "mobility", "flagellar_presence", "sporulation":
			_ = rec.Assign(col, parseYes(text))
		case "optimal_temperature":
			if f, ok := leadingNumber(text); ok {
				_ = rec.Assign(col, f)
			}
		default:
			_ = rec.Assign(col, text)
		}
	})

	if d := doc.Find("td.microbe-disease").First(); d.Length() > 0 {
		rec.IsPathogen = bacteria.Some(isPathogenic(d.Text()))
	}
	return rec
}

func eachRow(tbody *goquery.Selection, fn func(header string, cell *goquery.Selection)) {
	if tbody.Length() == 0 {
		return
	}
	tbody.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("th, td")
		if cells.Length() != 2 {
			return
		}
		fn(strings.TrimSpace(cells.Eq(0).Text()), cells.Eq(1))
	})
}

func parseYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "true"
}

// leadingNumber returns the first numeric token in free text, so "37 °C" and
// "30-37 C" both give a value.
func leadingNumber(s string) (float64, bool) {
	tok := numericRe.FindString(s)
	if tok == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isPathogenic(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if !strings.Contains(t, "pathogen") {
		return false
	}
	return !negatedRe.MatchString(t)
}
