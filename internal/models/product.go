package models

import (
	"time"
)

// Metadata keys written by the extractor.
const (
	MetaCountry        = "country"
	MetaPortionsAmount = "portions_amount"
	MetaPortionSize    = "portion_size"
	MetaMedsPercentage = "meds_percentage"
	MetaDescription    = "_description"
)

// ProductRecord is one normalized product page. It is built once per fetch
// and not mutated after it is handed to a sink.
type ProductRecord struct {
	CapturedAt   time.Time         `json:"-"`
	Timestamp    float64           `json:"timestamp"`
	RPC          string            `json:"RPC"`
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	Tags         []string          `json:"marketing_tags"`
	Brand        string            `json:"brand"`
	Section      []string          `json:"section"`
	Price        Price             `json:"price_data"`
	Stock        Stock             `json:"stock"`
	Assets       Assets            `json:"assets"`
	Metadata     map[string]string `json:"metadata"`
	VariantCount int               `json:"variants"`
}

type Price struct {
	Current  *float64 `json:"current"`
	Original *float64 `json:"original"`
	Discount float64  `json:"sale_tag"`
}

// Stock.Count is always zero: the catalogue never exposes quantities.
type Stock struct {
	InStock bool `json:"in_stock"`
	Count   int  `json:"count"`
}

type Assets struct {
	MainImage   *string  `json:"main_image"`
	OtherImages []string `json:"set_images"`
}

func NewProductRecord(rpc, url string, capturedAt time.Time) *ProductRecord {
	return &ProductRecord{
		CapturedAt:   capturedAt,
		Timestamp:    float64(capturedAt.Unix()) + float64(capturedAt.Nanosecond())/1e9,
		RPC:          rpc,
		URL:          url,
		Tags:         make([]string, 0),
		Section:      make([]string, 0),
		Assets:       Assets{OtherImages: make([]string, 0)},
		Metadata:     make(map[string]string),
		VariantCount: 1,
	}
}

func (p *Price) IsValid() bool {
	if p.Current == nil || p.Original == nil {
		return p.Current == nil && p.Original == nil && p.Discount == 0
	}
	return *p.Current >= 0 && *p.Original >= 0
}

// Validate reports broken record invariants.
func (p *ProductRecord) Validate() []string {
	var errors []string

	if p.RPC == "" {
		errors = append(errors, "RPC is required")
	}

	if p.Title == "" {
		errors = append(errors, "Title is required")
	}

	if (p.Price.Current == nil) == p.Stock.InStock {
		errors = append(errors, "Current price must be set iff product is in stock")
	}

	if !p.Price.IsValid() {
		errors = append(errors, "Invalid price data")
	}

	if p.Assets.MainImage == nil && len(p.Assets.OtherImages) > 0 {
		errors = append(errors, "Secondary images without a main image")
	}

	return errors
}
