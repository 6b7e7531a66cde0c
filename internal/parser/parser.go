package parser

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/pharmacy-scraper/internal/models"
)

type Parser interface {
	Extract(doc *goquery.Document, pageURL string) (*models.ProductRecord, error)
	ParseProductPage(html string, pageURL string) (*models.ProductRecord, error)
}

type Classifier interface {
	Classify(doc *goquery.Document, baseURL string) Links
}
