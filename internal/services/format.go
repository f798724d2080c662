package services

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var nairaPrinter = message.NewPrinter(language.English)

// formatNaira renders an amount with thousands separators, e.g. 94,975.00
func formatNaira(amount decimal.Decimal) string {
	return nairaPrinter.Sprintf("%.2f", amount.Round(2).InexactFloat64())
}

// joinNames lists names as "A, B and C"
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}
