package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"html"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Mock fetcher (offline-safe)
// ─────────────────────────────────────────────────────────────────────────────

var (
	mockGenera   = []string{"Bacillus", "Escherichia", "Clostridium", "Lactobacillus", "Streptococcus", "Bacteroides"}
	mockShapes   = []string{"Rod", "Coccus", "Spiral"}
	mockOxygen   = []string{"Aerobic", "Anaerobic", "Facultative anaerobe"}
	mockHabitats = []string{"Host-associated", "Soil", "Freshwater", "Gut"}
)

// MockFetcher serves synthetic listing and detail pages in the MiMeDB layout.
// Output depends only on the URL and Seed, so repeated runs discover the same ids.
type MockFetcher struct {
	pages   int
	perPage int
	seed    int64
	latency time.Duration
}

type MockFetcherOptions struct {
	Pages   int           // listing pages that have content; later pages are empty. Default 3
	PerPage int           // ids per listing page. Default 12
	Seed    int64         // optional; 0 uses a fixed seed
	Latency time.Duration // synthetic per-request latency
}

func NewMockFetcher(opts MockFetcherOptions) *MockFetcher {
	pages := opts.Pages
	if pages <= 0 {
		pages = 3
	}
	per := opts.PerPage
	if per <= 0 {
		per = 12
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 20240611
	}
	return &MockFetcher{pages: pages, perPage: per, seed: seed, latency: opts.Latency}
}

func (m *MockFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := sleepCtx(ctx, m.latency); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	path := strings.TrimRight(u.Path, "/")
	switch {
	case path == "/microbes":
		page, _ := strconv.Atoi(u.Query().Get("page"))
		if page <= 0 {
			page = 1
		}
		return []byte(m.listing(page)), nil
	case strings.HasPrefix(path, "/microbes/"):
		id := strings.TrimPrefix(path, "/microbes/")
		if !strings.HasPrefix(id, IDPrefix) {
			return nil, &HTTPError{StatusCode: 404, URL: rawURL}
		}
		return []byte(m.detail(id)), nil
	default:
		return nil, &HTTPError{StatusCode: 404, URL: rawURL}
	}
}

// MockID returns the synthetic id at a 1-based page and 0-based slot.
func MockID(page, slot, perPage int) string {
	return fmt.Sprintf("%s%05d", IDPrefix, (page-1)*perPage+slot+1)
}

func (m *MockFetcher) listing(page int) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="table"><tbody>`)
	if page <= m.pages {
		for i := 0; i < m.perPage; i++ {
			id := MockID(page, i, m.perPage)
			fmt.Fprintf(&b, `<tr><td class="microbe-link"><a class="btn-card" href="/microbes/%s">%s</a></td></tr>`, id, id)
		}
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

func (m *MockFetcher) detail(id string) string {
	r := rand.New(rand.NewSource(int64(fnv64(id)) ^ m.seed))
	genus := mockGenera[r.Intn(len(mockGenera))]
	species := fmt.Sprintf("%s synthetica%d", genus, r.Intn(100))
	yesNo := func() string {
		if r.Intn(2) == 0 {
			return "No"
		}
		return "Yes"
	}
	gram := "Positive"
	if r.Intn(2) == 0 {
		gram = "Negative"
	}
	disease := "Non-pathogenic"
	if r.Intn(4) == 0 {
		disease = "Pathogenic to humans"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><div class="page-header"><h1>%s (%s)</h1></div>`, html.EscapeString(species), id)
	b.WriteString(`<table><tbody id="taxinfo">`)
	for _, kv := range [][2]string{
		{"Superkingdom", "Bacteria"},
		{"Kingdom", "Bacteria"},
		{"Phylum", "Firmicutes"},
		{"Class", "Bacilli"},
		{"Order", "Bacillales"},
		{"Family", genus + "ceae"},
		{"Genus", genus},
		{"Species", species},
	} {
		fmt.Fprintf(&b, `<tr><th>%s</th><td>%s</td></tr>`, kv[0], html.EscapeString(kv[1]))
	}
	b.WriteString(`</tbody></table><table><tbody id="microbe-properties">`)
	for _, kv := range [][2]string{
		{"Gram staining properties", gram},
		{"Shape", mockShapes[r.Intn(len(mockShapes))]},
		{"Mobility", yesNo()},
		{"Flagellar presence", yesNo()},
		{"Oxygen preference", mockOxygen[r.Intn(len(mockOxygen))]},
		{"Optimal temperature", fmt.Sprintf("%d °C", 25+r.Intn(20))},
		{"Habitat", mockHabitats[r.Intn(len(mockHabitats))]},
		{"Sporulation", yesNo()},
	} {
		fmt.Fprintf(&b, `<tr><th>%s</th><td>%s</td></tr>`, kv[0], html.EscapeString(kv[1]))
	}
	b.WriteString(`<tr><th>Metabolism</th><td><span class="wishart-not-available">Not Available</span></td></tr>`)
	b.WriteString(`</tbody></table>`)
	fmt.Fprintf(&b, `<table><tbody><tr><th>Disease</th><td class="microbe-disease">%s</td></tr></tbody></table>`, disease)
	b.WriteString(`</body></html>`)
	return b.String()
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
