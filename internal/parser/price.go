package parser

import (
	"math"
	"strconv"
	"strings"

	"github.com/maltedev/pharmacy-scraper/internal/models"
)

// ParsePrices turns the raw price fragments of a product page into price and
// stock data. A product is in stock iff at least one price parses. With two
// or more prices the first is the current (sale) price and the second the
// original one; anything past the second is ignored.
func ParsePrices(fragments []string) (models.Price, models.Stock) {
	var price models.Price
	var stock models.Stock

	values := make([]float64, 0, len(fragments))
	for _, fragment := range fragments {
		if v, ok := parseAmount(fragment); ok {
			values = append(values, v)
		}
	}

	switch len(values) {
	case 0:
		return price, stock
	case 1:
		current, original := values[0], values[0]
		price.Current = &current
		price.Original = &original
	default:
		current, original := values[0], values[1]
		price.Current = &current
		price.Original = &original
		if current > 0 {
			price.Discount = (original - current) / current * 100
		}
	}

	stock.InStock = true
	return price, stock
}

// parseAmount reads the leading number of "150 руб" / "99,50 ₽".
func parseAmount(fragment string) (float64, bool) {
	fields := strings.Fields(fragment)
	if len(fields) == 0 {
		return 0, false
	}

	v, err := strconv.ParseFloat(strings.Replace(fields[0], ",", ".", 1), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
