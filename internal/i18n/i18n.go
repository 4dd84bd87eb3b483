// Package i18n renders process manager errors in the caller's language.
package i18n

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/procman/internal/errs"
)

// DefaultLocale is used when a requested locale has no catalog.
const DefaultLocale = "en"

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Locales map[string]localeCatalog `yaml:"locales"`
}

type localeCatalog struct {
	Kinds    map[string]string `yaml:"kinds"`
	Messages map[string]string `yaml:"messages"`
}

// Translator maps error message keys to localized text.
type Translator struct {
	locale  string
	locales map[string]localeCatalog
}

// New builds a translator for locale from the built-in catalog.
func New(locale string) *Translator {
	t, err := NewWithCatalog(locale, nil)
	if err != nil {
		panic(fmt.Sprintf("i18n: built-in catalog: %v", err))
	}
	return t
}

// NewWithCatalog builds a translator whose built-in catalog is overlaid with
// override, which uses the same YAML layout.
func NewWithCatalog(locale string, override []byte) (*Translator, error) {
	t := &Translator{locale: normalize(locale), locales: map[string]localeCatalog{}}
	if err := t.merge(defaultCatalog); err != nil {
		return nil, err
	}
	if len(override) > 0 {
		if err := t.merge(override); err != nil {
			return nil, err
		}
	}
	if _, ok := t.locales[t.locale]; !ok {
		t.locale = DefaultLocale
	}
	return t, nil
}

// Load reads an override catalog from path. An empty path uses only the
// built-in catalog.
func Load(locale, path string) (*Translator, error) {
	if strings.TrimSpace(path) == "" {
		return NewWithCatalog(locale, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("i18n: read catalog: %w", err)
	}
	return NewWithCatalog(locale, data)
}

func (t *Translator) merge(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("i18n: parse catalog: %w", err)
	}
	for name, loc := range file.Locales {
		name = normalize(name)
		current := t.locales[name]
		current.Kinds = mergeMap(current.Kinds, loc.Kinds)
		current.Messages = mergeMap(current.Messages, loc.Messages)
		t.locales[name] = current
	}
	return nil
}

// Locale reports the locale in use.
func (t *Translator) Locale() string {
	return t.locale
}

// Kind returns the localized name of an error kind.
func (t *Translator) Kind(kind errs.Kind) string {
	if text, ok := t.lookup(func(c localeCatalog) map[string]string { return c.Kinds }, string(kind)); ok {
		return text
	}
	return string(kind)
}

// Message renders err for a caller. Classified errors use their message key;
// internal failures only name their kind so storage details stay in the logs.
func (t *Translator) Message(err error) string {
	if err == nil {
		return ""
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return t.Kind(errs.KindInternal)
	}
	if e.Kind == errs.KindInternal || e.Key == "" {
		return t.Kind(e.Kind)
	}
	text := e.Detail
	if format, ok := t.lookup(func(c localeCatalog) map[string]string { return c.Messages }, e.Key); ok {
		text = format
		if len(e.Args) > 0 {
			text = fmt.Sprintf(format, e.Args...)
		}
	}
	if e.Err != nil {
		var inner *errs.Error
		if errors.As(e.Err, &inner) {
			text += ": " + t.Message(inner)
		} else {
			text += ": " + e.Err.Error()
		}
	}
	return text
}

func (t *Translator) lookup(pick func(localeCatalog) map[string]string, key string) (string, bool) {
	for _, name := range []string{t.locale, DefaultLocale} {
		if text, ok := pick(t.locales[name])[key]; ok {
			return text, true
		}
	}
	return "", false
}

func mergeMap(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func normalize(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_."); i > 0 {
		locale = locale[:i]
	}
	if locale == "" {
		return DefaultLocale
	}
	return locale
}
