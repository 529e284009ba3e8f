package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clinicore/mbscatalog/pkg/types"
)

// ErrMissingItemNumber marks a record with no parseable item number.
// Such records are counted failed and skipped, never fatal.
var ErrMissingItemNumber = errors.New("missing or unparseable item number")

// dateLayouts covers the formats seen across schedule revisions.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"2006-01-02T15:04:05",
}

// parseFee parses a dollar amount, tolerating a currency sign and
// thousands separators. Empty input is zero.
func parseFee(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fee %q: %w", s, err)
	}
	return v, nil
}

// parseUnits parses an integer count. Empty input is zero.
func parseUnits(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid unit count %q: %w", s, err)
	}
	return v, nil
}

// parseDate tries each known layout in order. Empty input is nil.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}

// parseBool normalizes the boolean spellings seen in the feed.
// Anything unrecognized is false.
func parseBool(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Y", "YES", "T", "TRUE", "1":
		return true
	default:
		return false
	}
}

// coerceItem maps one raw record to a catalog item. The item number is
// the only required field; every other field degrades to its zero
// value when absent or unparseable dates/fees return an error that
// fails the whole record, since silently dropping a fee would corrupt
// the catalog.
func coerceItem(raw rawItem, now time.Time) (*types.CatalogItem, error) {
	numText := raw.field("ItemNum", "ItemNumber", "Item")
	itemNumber, err := strconv.Atoi(strings.TrimSpace(numText))
	if err != nil || itemNumber <= 0 {
		return nil, ErrMissingItemNumber
	}

	item := &types.CatalogItem{
		ItemNumber:       itemNumber,
		Description:      raw.field("Description", "ItemDescription"),
		ShortDescription: raw.field("ShortDescription", "ShortDescriptor"),
		Category:         raw.field("Category"),
		SubCategory:      raw.field("SubCategory", "SubHeading"),
		Group:            raw.field("Group"),
		SubGroup:         raw.field("SubGroup"),
		ProviderType:     raw.field("ProviderType"),
		DerivedFee:       raw.field("DerivedFee"),
		Anaesthetic:      parseBool(raw.field("Anaes", "Anaesthetic")),
	}

	if item.ScheduleFee, err = parseFee(raw.field("ScheduleFee", "Fee")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}
	if item.Benefit75, err = parseFee(raw.field("Benefit75")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}
	if item.Benefit85, err = parseFee(raw.field("Benefit85")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}
	if item.Benefit100, err = parseFee(raw.field("Benefit100")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}
	if item.BasicUnits, err = parseUnits(raw.field("BasicUnits")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}
	if item.StartDate, err = parseDate(raw.field("ItemStartDate", "StartDate")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}
	if item.EndDate, err = parseDate(raw.field("ItemEndDate", "EndDate")); err != nil {
		return nil, fmt.Errorf("item %d: %w", itemNumber, err)
	}

	item.IsActive = types.DeriveActive(item.EndDate, now)
	return item, nil
}
