package gemini

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales.yaml
var localesYAML []byte

// Locale is the currency and language the report is written for.
type Locale struct {
	Currency string `yaml:"currency"`
	Language string `yaml:"language"`
	Region   string `yaml:"region"`
}

// LocaleTable maps country codes to locales.
type LocaleTable struct {
	Default   Locale            `yaml:"default"`
	Countries map[string]Locale `yaml:"countries"`
	Languages map[string]string `yaml:"languages"`
}

// LoadLocales parses the embedded locale table.
func LoadLocales() (*LocaleTable, error) {
	return ParseLocales(localesYAML)
}

// ParseLocales parses a locale table from YAML.
func ParseLocales(data []byte) (*LocaleTable, error) {
	var t LocaleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse locales: %w", err)
	}
	if t.Default.Currency == "" {
		t.Default = Locale{Currency: "USD", Language: "en", Region: "United States"}
	}
	return &t, nil
}

// Resolve picks the locale for a country, letting non-empty user
// preferences override currency and language.
func (t *LocaleTable) Resolve(countryCode, userCurrency, userLanguage string) Locale {
	loc, ok := t.Countries[strings.ToUpper(strings.TrimSpace(countryCode))]
	if !ok {
		loc = t.Default
	}
	if userCurrency != "" {
		loc.Currency = strings.ToUpper(userCurrency)
	}
	if userLanguage != "" {
		loc.Language = strings.ToLower(userLanguage)
	}
	return loc
}

// LanguageName returns the English name of a language code, or the code itself.
func (t *LocaleTable) LanguageName(code string) string {
	if name, ok := t.Languages[code]; ok {
		return name
	}
	return code
}
