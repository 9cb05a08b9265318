// Package record defines the flattened music-release record produced by the
// batch fetcher and the field extraction from raw Discogs release payloads.
package record

import (
	"fmt"
	"regexp"
	"strings"
)

// Discogs appends a numeric disambiguation suffix to duplicate names,
// e.g. "Underground Resistance (2)". The export strips it.
var disambiguation = regexp.MustCompile(`\(.*\)`)

// Record is one exported music release with all fields flattened to strings,
// matching the CSV export format.
type Record struct {
	Title          string `json:"title"`
	Artists        string `json:"artists"`
	Labels         string `json:"labels"`
	CatalogNumbers string `json:"catalog_numbers"`
	Country        string `json:"country"`
	Year           string `json:"year"`
	Genres         string `json:"genres"`
	Styles         string `json:"styles"`
	Price          string `json:"price"`
	URL            string `json:"url"`
}

// Release is the subset of the Discogs release payload the export needs.
type Release struct {
	Title   string `json:"title"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Labels []struct {
		Name  string `json:"name"`
		CatNo string `json:"catno"`
	} `json:"labels"`
	Country     string   `json:"country"`
	Year        int      `json:"year"`
	Genres      []string `json:"genres"`
	Styles      []string `json:"styles"`
	LowestPrice float64  `json:"lowest_price"`
	URI         string   `json:"uri"`
}

// FromRelease flattens a Discogs release payload into a Record.
func FromRelease(rel *Release) *Record {
	artists := make([]string, 0, len(rel.Artists))
	for _, a := range rel.Artists {
		artists = append(artists, cleanName(a.Name))
	}

	labels := make([]string, 0, len(rel.Labels))
	catnos := make([]string, 0, len(rel.Labels))
	for _, l := range rel.Labels {
		labels = append(labels, cleanName(l.Name))
		if l.CatNo != "" {
			catnos = append(catnos, l.CatNo)
		} else {
			catnos = append(catnos, "N/A")
		}
	}

	rec := &Record{
		Title:          rel.Title,
		Artists:        joinOr(artists, " - ", "Unknown Artist"),
		Labels:         joinOr(labels, " - ", "Unknown Label"),
		CatalogNumbers: joinOr(catnos, " , ", "N/A"),
		Country:        rel.Country,
		Genres:         strings.Join(rel.Genres, " , "),
		Styles:         strings.Join(rel.Styles, " , "),
		Price:          "N/A",
		URL:            rel.URI,
	}
	if rec.Title == "" {
		rec.Title = "Unknown"
	}
	if rel.Year > 0 {
		rec.Year = fmt.Sprintf("%d", rel.Year)
	}
	if rel.LowestPrice > 0 {
		rec.Price = fmt.Sprintf("%g", rel.LowestPrice)
	}

	return rec
}

// cleanName strips the disambiguation suffix and surrounding whitespace.
func cleanName(name string) string {
	return strings.TrimSpace(disambiguation.ReplaceAllString(name, ""))
}

// joinOr joins parts with sep, or returns fallback if parts is empty.
func joinOr(parts []string, sep, fallback string) string {
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, sep)
}

// CSVHeader is the column order of the CSV export.
func CSVHeader() []string {
	return []string{
		"Artists", "Title", "Label", "Catalog Number",
		"Country", "Year", "Genres", "Styles", "Price", "URL",
	}
}

// CSVRow returns the record's fields in CSV export order.
func (r *Record) CSVRow() []string {
	return []string{
		r.Artists, r.Title, r.Labels, r.CatalogNumbers,
		r.Country, r.Year, r.Genres, r.Styles, r.Price, r.URL,
	}
}
