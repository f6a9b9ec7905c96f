package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"poflow/internal/purchase"
	"poflow/internal/services"
)

// reconcileToleranceCents is the allowed gap between the stated total and the sum of line totals.
const reconcileToleranceCents = 1

var orderDateLayouts = []string{
	time.DateOnly,
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

// NormalizeOrder builds a purchase order from raw extracted fields. It
// returns a validation error when the document is unusable or the totals do
// not reconcile.
func NormalizeOrder(workflowID string, ext purchase.Extraction) (*purchase.Order, error) {
	fields := ext.Fields
	order := &purchase.Order{
		WorkflowID: workflowID,
		PONumber:   strings.TrimSpace(fields.PONumber),
		VendorName: TitleVendor(fields.Vendor),
		Currency:   normalizeCurrency(fields.Currency, fields.Total),
		Confidence: ext.Confidence,
		ModelUsed:  ext.ModelUsed,
	}
	if date, ok := parseOrderDate(fields.OrderDate); ok {
		order.OrderDate = &date
	}

	for i, raw := range fields.Lines {
		line, err := normalizeLine(i+1, raw)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, StageNormalize, "parse line", fmt.Sprintf("line %d", i+1), err)
		}
		order.Lines = append(order.Lines, line)
	}
	if len(order.Lines) == 0 {
		return nil, services.Wrap(services.ErrValidation, StageNormalize, "reconcile", "no line items extracted", nil)
	}

	sum := order.LinesTotal()
	if strings.TrimSpace(fields.Total) == "" {
		order.TotalCents = sum
		return order, nil
	}
	total, err := ParseAmountCents(fields.Total)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, StageNormalize, "parse total", "", err)
	}
	order.TotalCents = total
	if diff := total - sum; diff > reconcileToleranceCents || diff < -reconcileToleranceCents {
		return nil, services.Wrap(services.ErrValidation, StageNormalize, "reconcile",
			fmt.Sprintf("line totals %s do not match order total %s", formatCents(sum), formatCents(total)), nil)
	}
	return order, nil
}

func normalizeLine(lineNo int, raw purchase.RawLine) (purchase.Line, error) {
	line := purchase.Line{
		LineNo:      lineNo,
		SKU:         strings.TrimSpace(raw.SKU),
		Description: strings.Join(strings.Fields(raw.Description), " "),
		Quantity:    1,
	}
	if q := strings.TrimSpace(raw.Quantity); q != "" {
		qty, err := strconv.ParseFloat(strings.ReplaceAll(q, ",", ""), 64)
		if err != nil {
			return line, fmt.Errorf("quantity %q: %w", raw.Quantity, err)
		}
		line.Quantity = qty
	}
	if strings.TrimSpace(raw.UnitPrice) != "" {
		unit, err := ParseAmountCents(raw.UnitPrice)
		if err != nil {
			return line, err
		}
		line.UnitPriceCents = unit
	}
	if strings.TrimSpace(raw.Total) != "" {
		total, err := ParseAmountCents(raw.Total)
		if err != nil {
			return line, err
		}
		line.TotalCents = total
	} else {
		line.TotalCents = int64(math.Round(line.Quantity * float64(line.UnitPriceCents)))
	}
	return line, nil
}

// ParseAmountCents parses a money string such as "$1,234.50" or "(12.00)"
// into minor units.
func ParseAmountCents(value string) (int64, error) {
	s := strings.TrimSpace(value)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r), r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = true
		}
	}
	digits := b.String()
	if digits == "" {
		return 0, fmt.Errorf("amount %q has no digits", value)
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	cents := int64(math.Round(f * 100))
	if negative {
		cents = -cents
	}
	return cents, nil
}

// TitleVendor trims and title-cases a vendor name.
func TitleVendor(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return ""
	}
	return cases.Title(language.English).String(strings.ToLower(name))
}

// VendorKey derives a stable lookup key from a vendor name.
func VendorKey(name string) string {
	lower := cases.Lower(language.English).String(name)
	var b strings.Builder
	dash := false
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func normalizeCurrency(currency, total string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code != "" {
		if mapped, ok := currencySymbols[code]; ok {
			return mapped
		}
		return code
	}
	for symbol, mapped := range currencySymbols {
		if strings.Contains(total, symbol) {
			return mapped
		}
	}
	return ""
}

func parseOrderDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range orderDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
