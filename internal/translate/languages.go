package translate

import "strings"

// Language is a selectable source or target language.
type Language struct {
	// Code is the BCP 47 tag, e.g. "en-US".
	Code string

	// Name is the English display name used in the prompt.
	Name string

	// Voice is the locale handed to a speech synthesiser.
	Voice string
}

// Languages is the built-in language table.
var Languages = []Language{
	{Code: "en-US", Name: "English", Voice: "en-US"},
	{Code: "es-ES", Name: "Spanish", Voice: "es-ES"},
	{Code: "fr-FR", Name: "French", Voice: "fr-FR"},
	{Code: "de-DE", Name: "German", Voice: "de-DE"},
	{Code: "ja-JP", Name: "Japanese", Voice: "ja-JP"},
	{Code: "hi-IN", Name: "Hindi", Voice: "hi-IN"},
	{Code: "ta-IN", Name: "Tamil", Voice: "ta-IN"},
}

// LookupLanguage finds a language by code, ignoring case.
func LookupLanguage(code string) (Language, bool) {
	for _, l := range Languages {
		if strings.EqualFold(l.Code, code) {
			return l, true
		}
	}
	return Language{}, false
}

// Codes returns the codes of [Languages] in table order.
func Codes() []string {
	out := make([]string, len(Languages))
	for i, l := range Languages {
		out[i] = l.Code
	}
	return out
}
