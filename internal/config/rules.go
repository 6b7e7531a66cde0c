package config

import (
	"fmt"
	"slices"

	"github.com/spf13/viper"
)

// Rules is the site profile shared by the link classifier and the record
// extractor. Treat it as a value: constructors take a Clone.
type Rules struct {
	AllowedDomains  []string  `mapstructure:"allowed_domains"`
	StartURLs       []string  `mapstructure:"start_urls"`
	PortionSymbols  []string  `mapstructure:"portion_symbols"`
	DenyPathSegment string    `mapstructure:"deny_path_segment"`
	Selectors       Selectors `mapstructure:"selectors"`
}

// Selectors are goquery (CSS) selectors. Title, Tags, ManufacturerInfo and
// Section are evaluated inside the Header block; the rest against the page.
type Selectors struct {
	ProductLinks     string `mapstructure:"product_links"`
	PaginationLinks  string `mapstructure:"pagination_links"`
	Header           string `mapstructure:"header"`
	Title            string `mapstructure:"title"`
	Tags             string `mapstructure:"tags"`
	ManufacturerInfo string `mapstructure:"manufacturer_info"`
	Section          string `mapstructure:"section"`
	Prices           string `mapstructure:"prices"`
	Description      string `mapstructure:"description"`
	Images           string `mapstructure:"images"`
}

func DefaultRules() Rules {
	return Rules{
		AllowedDomains: []string{"apteka-ot-sklada.ru"},
		StartURLs: []string{
			"https://apteka-ot-sklada.ru/catalog/medikamenty-i-bady/vitaminy-i-mikroelementy/vitaminy",
			"https://apteka-ot-sklada.ru/catalog/sredstva-gigieny/uhod-za-polostyu-rta/zubnye-niti_-ershiki",
			"https://apteka-ot-sklada.ru/catalog/perevyazochnye-sredstva/plastyri",
		},
		PortionSymbols:  []string{"мкг", "мг", "мл", "кг", "г", "л", "МЕ", "mcg", "mg", "ml", "kg", "g"},
		DenyPathSegment: "/pharmacies",
		Selectors: Selectors{
			ProductLinks:     "div.goods-card__name a",
			PaginationLinks:  "ul.ui-pagination__list a.ui-pagination__link",
			Header:           "div.layout-page-header, section.goods-card-page__header",
			Title:            "h1 span[itemprop='name'], h1",
			Tags:             "ul.goods-tags__list li span",
			ManufacturerInfo: "div.page-header__description span[itemtype]",
			Section:          "ul.ui-breadcrumbs__list li span[itemprop='name']",
			Prices:           "div.goods-offer-panel__price span.moneyprice__content",
			Description:      "div.custom-html p, div.custom-html li",
			Images:           "div.goods-gallery__sidebar img, div.goods-gallery__picture img",
		},
	}
}

// LoadRules reads a YAML/JSON/TOML rules file over DefaultRules. Keys absent
// from the file keep their defaults. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	setRuleDefaults(v, DefaultRules())

	if err := v.ReadInConfig(); err != nil {
		return Rules{}, fmt.Errorf("error reading rules file: %w", err)
	}

	var rules Rules
	if err := v.Unmarshal(&rules); err != nil {
		return Rules{}, fmt.Errorf("unable to decode rules: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return Rules{}, fmt.Errorf("invalid rules: %w", err)
	}

	return rules, nil
}

func setRuleDefaults(v *viper.Viper, d Rules) {
	v.SetDefault("allowed_domains", d.AllowedDomains)
	v.SetDefault("start_urls", d.StartURLs)
	v.SetDefault("portion_symbols", d.PortionSymbols)
	v.SetDefault("deny_path_segment", d.DenyPathSegment)
	v.SetDefault("selectors.product_links", d.Selectors.ProductLinks)
	v.SetDefault("selectors.pagination_links", d.Selectors.PaginationLinks)
	v.SetDefault("selectors.header", d.Selectors.Header)
	v.SetDefault("selectors.title", d.Selectors.Title)
	v.SetDefault("selectors.tags", d.Selectors.Tags)
	v.SetDefault("selectors.manufacturer_info", d.Selectors.ManufacturerInfo)
	v.SetDefault("selectors.section", d.Selectors.Section)
	v.SetDefault("selectors.prices", d.Selectors.Prices)
	v.SetDefault("selectors.description", d.Selectors.Description)
	v.SetDefault("selectors.images", d.Selectors.Images)
}

func (r Rules) Validate() error {
	required := map[string]string{
		"product_links":     r.Selectors.ProductLinks,
		"pagination_links":  r.Selectors.PaginationLinks,
		"header":            r.Selectors.Header,
		"title":             r.Selectors.Title,
		"manufacturer_info": r.Selectors.ManufacturerInfo,
	}
	for name, sel := range required {
		if sel == "" {
			return fmt.Errorf("selector %s is required", name)
		}
	}

	if len(r.PortionSymbols) == 0 {
		return fmt.Errorf("at least one portion symbol is required")
	}

	return nil
}

func (r Rules) Clone() Rules {
	r.AllowedDomains = slices.Clone(r.AllowedDomains)
	r.StartURLs = slices.Clone(r.StartURLs)
	r.PortionSymbols = slices.Clone(r.PortionSymbols)
	return r
}

// WithStartURLs returns a copy seeded from urls, or r itself when urls is empty.
func (r Rules) WithStartURLs(urls []string) Rules {
	if len(urls) == 0 {
		return r
	}
	out := r.Clone()
	out.StartURLs = slices.Clone(urls)
	return out
}
