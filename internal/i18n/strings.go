package i18n

import (
	"golang.org/x/text/language"
)

// KeyOutside names the label used for outdoor aggregate modules.
const KeyOutside = "outside"

var supported = []language.Tag{
	language.English, // first entry is the fallback
	language.German,
	language.French,
	language.Italian,
	language.Polish,
}

var matcher = language.NewMatcher(supported)

var table = map[language.Tag]map[string][]string{
	language.English: {KeyOutside: {"outside", "outdoors", "exterior"}},
	language.German:  {KeyOutside: {"draußen", "außen", "im Freien"}},
	language.French:  {KeyOutside: {"extérieur", "dehors"}},
	language.Italian: {KeyOutside: {"esterno", "fuori"}},
	language.Polish:  {KeyOutside: {"na zewnątrz", "zewnątrz"}},
}

// Localizer returns translated strings for one language.
type Localizer struct {
	tag language.Tag
}

// New picks the closest supported language for lang. Unknown or malformed
// languages fall back to English.
func New(lang string) *Localizer {
	tag, _, _ := matcher.Match(language.Make(lang))
	base, _ := tag.Base()
	for _, t := range supported {
		if b, _ := t.Base(); b == base {
			return &Localizer{tag: t}
		}
	}
	return &Localizer{tag: language.English}
}

// Language returns the selected language tag.
func (l *Localizer) Language() language.Tag {
	return l.tag
}

// Strings returns the ordered translations for key. Keys missing in the
// selected language fall back to English; unknown keys yield nil.
func (l *Localizer) Strings(key string) []string {
	if s, ok := table[l.tag][key]; ok {
		return append([]string(nil), s...)
	}
	if s, ok := table[language.English][key]; ok {
		return append([]string(nil), s...)
	}
	return nil
}
