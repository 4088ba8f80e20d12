package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguagesChanged bool
	SourceLanguage   string
	TargetLanguage   string

	// RestartRequired is true when a field outside the hot-reloadable set
	// changed (providers, audio parameters, listen address).
	RestartRequired bool
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LanguagesChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Translate.SourceLanguage != new.Translate.SourceLanguage ||
		old.Translate.TargetLanguage != new.Translate.TargetLanguage {
		d.LanguagesChanged = true
		d.SourceLanguage = new.Translate.SourceLanguage
		d.TargetLanguage = new.Translate.TargetLanguage
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Audio != new.Audio ||
		old.Live.Voice != new.Live.Voice ||
		!sameEntry(old.Live.Provider, new.Live.Provider) ||
		!sameEntry(old.Translate.Provider, new.Translate.Provider) ||
		len(old.Translate.Fallbacks) != len(new.Translate.Fallbacks) {
		d.RestartRequired = true
	} else {
		for i := range old.Translate.Fallbacks {
			if !sameEntry(old.Translate.Fallbacks[i], new.Translate.Fallbacks[i]) {
				d.RestartRequired = true
				break
			}
		}
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// compared by key set and string form only.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
