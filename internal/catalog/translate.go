package catalog

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Translator resolves indirect display keys (titleKey, category nameKey).
type Translator interface {
	Translate(key string) string
}

type TranslatorFunc func(key string) string

func (f TranslatorFunc) Translate(key string) string {
	return f(key)
}

// Dictionary is a static key to text table. Missing keys resolve to the key
// itself so that untranslated entries stay searchable.
type Dictionary map[string]string

func (d Dictionary) Translate(key string) string {
	if value, ok := d[key]; ok && value != "" {
		return value
	}
	return key
}

// KeyTranslator returns keys unchanged.
var KeyTranslator Translator = TranslatorFunc(func(key string) string { return key })

// ResolveTitle prefers the literal title and falls back to the title key.
func ResolveTitle(doc Document, tr Translator) string {
	if doc.Title != "" {
		return doc.Title
	}
	if doc.TitleKey == "" {
		return ""
	}
	if tr == nil {
		tr = KeyTranslator
	}
	return tr.Translate(doc.TitleKey)
}

// CategoryName resolves a category's display name from its name key.
func CategoryName(category Category, tr Translator) string {
	if tr == nil {
		tr = KeyTranslator
	}
	return tr.Translate(category.NameKey)
}

// LoadDictionary reads a YAML document of the form {locale: {key: text}} and
// returns the table for locale. An absent locale yields an empty table.
func LoadDictionary(r io.Reader, locale string) (Dictionary, error) {
	var tables map[string]map[string]string
	if err := yaml.NewDecoder(r).Decode(&tables); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode translations: %w", err)
	}
	dict := Dictionary{}
	for key, text := range tables[locale] {
		dict[key] = text
	}
	return dict, nil
}
