// Package i18n is the single source of truth for the languages the
// service supports. Every language code accepted anywhere in the system
// must pass through this registry.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

// Language describes one supported language.
type Language struct {
	// Code is the canonical lowercase ISO 639-1 code ("en", "es").
	Code string
	// Name is the English display name, used in translation prompts.
	Name string
	// NativeName is the language's own name, shown to subscribers.
	NativeName string
	// Canonical marks the base language the summarizer emits.
	Canonical bool
	// Enabled languages are selectable via /language.
	Enabled bool
}

// registry is immutable after init. Exactly one entry is canonical.
var registry = []Language{
	{Code: "en", Name: "English", NativeName: "English", Canonical: true, Enabled: true},
	{Code: "es", Name: "Spanish", NativeName: "Español", Enabled: true},
	{Code: "pt", Name: "Portuguese", NativeName: "Português"},
	{Code: "fr", Name: "French", NativeName: "Français"},
}

// ByCode returns the registry entry for code, enabled or not.
func ByCode(code string) (Language, bool) {
	for _, l := range registry {
		if l.Code == code {
			return l, true
		}
	}
	return Language{}, false
}

// IsEnabled reports whether code names an enabled language.
func IsEnabled(code string) bool {
	l, ok := ByCode(code)
	return ok && l.Enabled
}

// Enabled returns all enabled languages in registry order.
func Enabled() []Language {
	var out []Language
	for _, l := range registry {
		if l.Enabled {
			out = append(out, l)
		}
	}
	return out
}

// EnabledCodes returns the codes of all enabled languages.
func EnabledCodes() []string {
	var out []string
	for _, l := range Enabled() {
		out = append(out, l.Code)
	}
	return out
}

// Canonical returns the base language. The registry guarantees exactly one.
func Canonical() Language {
	for _, l := range registry {
		if l.Canonical {
			return l
		}
	}
	panic("i18n: no canonical language in registry")
}

// Normalize canonicalizes a user-supplied language tag and reports whether
// it names an enabled language. "ES", "es-MX", and "spa" all normalize to
// "es". Unknown or disabled languages return ok=false.
func Normalize(tag string) (code string, ok bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" || len(tag) > 35 {
		return "", false
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", false
	}
	base, conf := t.Base()
	if conf == language.No {
		return "", false
	}
	code = strings.ToLower(base.String())
	if !IsEnabled(code) {
		return "", false
	}
	return code, true
}
