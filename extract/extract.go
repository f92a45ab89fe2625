// Package extract pulls structured listing fields out of scraped HTML
// fragments and free text: bed and bath counts, square footage, price
// ranges, availability.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"fp_tracker/models"
)

var (
	bedsRe    = regexp.MustCompile(`(?i)(studio|[1-9])\s{0,3}(?:beds?|bd|br)\b`)
	bedsRevRe = regexp.MustCompile(`(?i)\b(?:beds?|bd|br)[:\s]{1,3}(studio|[1-9])`)
	bathsRe   = regexp.MustCompile(`(?i)([1-9](?:\.5)?)\s{0,3}(?:baths?|ba)\b`)
	sqftRe    = regexp.MustCompile(`(?i)([\d,]{2,6})\s{0,3}(?:sq\.?\s?ft|sqft|square\s+feet)`)
	priceRe   = regexp.MustCompile(`(?i)\$\s*([\d,]+(?:\.\d{2})?)(?:\s*(?:[-–]|to)\s*\$?\s*([\d,]+(?:\.\d{2})?))?`)
	availRe   = regexp.MustCompile(`(?i)(\d+)\s*available\s*units?`)
	studioRe  = regexp.MustCompile(`(?i)\bstudio\b`)
	sharedRe  = regexp.MustCompile(`(?i)\bshared\s*(?:room|bed|suite)\b`)
	wsRe      = regexp.MustCompile(`\s+`)
)

// Text strips markup from an HTML fragment and collapses whitespace.
// Non-breaking spaces become plain spaces first; Go's \s does not match
// U+00A0 and every regexp here relies on \s.
func Text(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return normalizeSpace(fragment)
	}
	return normalizeSpace(doc.Text())
}

func normalizeSpace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// Bedrooms parses a bed count. "Studio" counts as zero bedrooms, which is
// why the result is a pointer: nil means the text said nothing about beds.
func Bedrooms(text string) *int {
	m := bedsRe.FindStringSubmatch(text)
	if m == nil {
		m = bedsRevRe.FindStringSubmatch(text)
	}
	if m == nil {
		// "Studio" with no bed word at all still means zero bedrooms.
		if studioRe.MatchString(text) {
			return intPtr(0)
		}
		return nil
	}
	if strings.EqualFold(m[1], "studio") {
		return intPtr(0)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return intPtr(n)
}

// Bathrooms parses a bath count, truncating half baths.
func Bathrooms(text string) *int {
	m := bathsRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return intPtr(int(f))
}

// SquareFeet parses a floor area.
func SquareFeet(text string) *int {
	m := sqftRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return nil
	}
	return intPtr(n)
}

// Prices parses a dollar amount or range. Cents are truncated and a
// degenerate range ($1,500 - $1,500) collapses to a single bound.
func Prices(text string) (low, high int) {
	m := priceRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0
	}
	low = parseDollars(m[1])
	if m[2] != "" {
		high = parseDollars(m[2])
	}
	return NormalizePrices(low, high)
}

// NormalizePrices drops a high bound equal to the low bound and fixes
// inverted ranges.
func NormalizePrices(low, high int) (int, int) {
	if high == low {
		return low, 0
	}
	if high != 0 && high < low {
		return high, low
	}
	return low, high
}

func parseDollars(s string) int {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// Availability parses an available-unit count, returned as the normalized
// "<n> available" form, or "" when the text says nothing.
func Availability(text string) string {
	m := availRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1] + " available"
}

// SharedRoom reports whether the text advertises a shared unit. nil means
// the text said nothing either way.
func SharedRoom(text string) *bool {
	if sharedRe.MatchString(text) {
		v := true
		return &v
	}
	return nil
}

// Fill extracts fields from an HTML fragment and copies them onto the
// record, but only where the record has no value yet. Fields the crawler
// already populated win over anything re-derived from markup.
func Fill(rec *models.ScrapedRecord, fragment string) {
	text := Text(fragment)
	if text == "" {
		return
	}

	if rec.Bedrooms == nil {
		rec.Bedrooms = Bedrooms(text)
	}
	if rec.Bathrooms == nil {
		rec.Bathrooms = Bathrooms(text)
	}
	if rec.SqFt == nil {
		rec.SqFt = SquareFeet(text)
	}
	if rec.SharedRoom == nil {
		rec.SharedRoom = SharedRoom(text)
	}
	if rec.PriceLow == 0 && rec.PriceHigh == 0 {
		rec.PriceLow, rec.PriceHigh = Prices(text)
	}
	if rec.Availability == "" {
		rec.Availability = Availability(text)
	}
}

func intPtr(n int) *int {
	return &n
}
