package main

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.MustParse("es-CO"))

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isAmount accepts an optional single leading '-' followed by at least one digit.
func isAmount(s string) bool {
	return isDigits(strings.TrimPrefix(s, "-"))
}

// parseAmount parses a value accepted by isAmount, sign included. Values that
// do not fit an int64 (or whose magnitude does not) are rejected.
func parseAmount(s string) (int64, bool) {
	if !isAmount(s) {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == math.MinInt64 {
		return 0, false
	}
	return n, true
}

// movementAmount is the negative magnitude of v whatever sign v has.
func movementAmount(v int64) int64 {
	if v < 0 {
		return v
	}
	return -v
}

// formatMoney renders v the way Colombian receipts print it:
// 15000 -> "$ 15.000,00", -15000 -> "- $ 15.000,00".
func formatMoney(v int64) string {
	d := decimal.NewFromInt(v)
	fixed := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")
	n, _ := strconv.ParseInt(intPart, 10, 64)
	s := "$ " + moneyPrinter.Sprintf("%d", n) + "," + frac
	if d.IsNegative() {
		s = "- " + s
	}
	return s
}
