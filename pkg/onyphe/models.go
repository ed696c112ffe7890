package onyphe

import (
	"encoding/json"
	"slices"
)

// Record is one opaque result object as returned by the API.
type Record = json.RawMessage

// Category is a data category of the Onyphe dataset.
type Category string

// Categories.
const (
	CategoryCTL        Category = "ctl"
	CategoryWhois      Category = "whois"
	CategoryGeoloc     Category = "geoloc"
	CategoryInetnum    Category = "inetnum"
	CategorySniffer    Category = "sniffer"
	CategorySynscan    Category = "synscan"
	CategoryTopsite    Category = "topsite"
	CategoryDatascan   Category = "datascan"
	CategoryDatashot   Category = "datashot"
	CategoryPastries   Category = "pastries"
	CategoryResolver   Category = "resolver"
	CategoryVulnscan   Category = "vulnscan"
	CategoryOnionscan  Category = "onionscan"
	CategoryOnionshot  Category = "onionshot"
	CategoryThreatlist Category = "threatlist"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryCTL, CategoryWhois, CategoryGeoloc, CategoryInetnum, CategorySniffer,
	CategorySynscan, CategoryTopsite, CategoryDatascan, CategoryDatashot, CategoryPastries,
	CategoryResolver, CategoryVulnscan, CategoryOnionscan, CategoryOnionshot, CategoryThreatlist,
}

// BestCategories are the categories supported by the "best" endpoints.
var BestCategories = []Category{
	CategoryWhois,
	CategoryGeoloc,
	CategoryInetnum,
	CategoryThreatlist,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// SupportsBest reports whether c can be used with SimpleBest and BulkSimpleBestIP.
func (c Category) SupportsBest() bool {
	return slices.Contains(BestCategories, c)
}

// SummaryType selects what a summary is computed for.
type SummaryType string

// Summary types.
const (
	SummaryIP       SummaryType = "ip"
	SummaryDomain   SummaryType = "domain"
	SummaryHostname SummaryType = "hostname"
)

// SummaryTypes lists every summary type.
var SummaryTypes = []SummaryType{SummaryIP, SummaryDomain, SummaryHostname}

// Valid reports whether t is a known summary type.
func (t SummaryType) Valid() bool {
	return slices.Contains(SummaryTypes, t)
}

// Page is one decoded JSON envelope.
type Page struct {
	Status  string   `json:"status"`
	Error   int      `json:"error"`
	Text    string   `json:"text,omitempty"`
	Page    int      `json:"page,omitempty"`
	MaxPage int      `json:"max_page,omitempty"`
	Total   int      `json:"total,omitempty"`
	Count   int      `json:"count,omitempty"`
	MyIP    string   `json:"myip,omitempty"`
	Results []Record `json:"results"`

	// RequestID correlates the page with the transport debug log.
	RequestID string `json:"-"`
}

// envelope is the wire form. Some endpoints report the page count as
// total_pages rather than max_page.
type envelope struct {
	Status     string   `json:"status"`
	Error      int      `json:"error"`
	Text       string   `json:"text"`
	Page       int      `json:"page"`
	MaxPage    int      `json:"max_page"`
	TotalPages int      `json:"total_pages"`
	Total      int      `json:"total"`
	Count      int      `json:"count"`
	MyIP       string   `json:"myip"`
	Results    []Record `json:"results"`
}

func (e envelope) page(requestID string) *Page {
	maxPage := e.MaxPage
	if maxPage == 0 {
		maxPage = e.TotalPages
	}
	results := e.Results
	if results == nil {
		results = []Record{}
	}
	return &Page{
		Status:    e.Status,
		Error:     e.Error,
		Text:      e.Text,
		Page:      e.Page,
		MaxPage:   maxPage,
		Total:     e.Total,
		Count:     e.Count,
		MyIP:      e.MyIP,
		Results:   results,
		RequestID: requestID,
	}
}

// StreamItem is one object of an export or bulk stream.
type StreamItem struct {
	// Index is the zero-based arrival position.
	Index  int
	Record Record
}

// Alert is the body of an alert creation request.
type Alert struct {
	Name  string `json:"name"`
	Query string `json:"query"`
	Email string `json:"email"`
}
