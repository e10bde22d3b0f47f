package ingest

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/shopspring/decimal"
)

// ExtractText pulls the plain text out of a PDF price sheet.
func ExtractText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

// PriceLine is one "item name ... price" row recovered from a sheet.
type PriceLine struct {
	Name  string
	Price decimal.Decimal
}

// priceLineRe matches rows ending in a price, with optional currency symbol
// and dot or dash leaders between name and price.
var priceLineRe = regexp.MustCompile(`^(.*?)[\s.\-]*\$?\s?(\d{1,6}(?:,\d{3})*(?:\.\d{1,2})?)\s*$`)

// ParsePriceLines scans sheet text for item/price rows. Rows with no
// recognizable name or a non-positive price are skipped.
func ParsePriceLines(text string) []PriceLine {
	var lines []PriceLine
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m := priceLineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if name == "" || !strings.ContainsFunc(name, isLetter) {
			continue
		}
		price, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ""))
		if err != nil || !price.IsPositive() {
			continue
		}
		lines = append(lines, PriceLine{Name: name, Price: price})
	}
	return lines
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
