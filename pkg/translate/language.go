package translate

import (
	"strings"

	"golang.org/x/text/language"
)

// DefaultHLCodes maps the platform's HL language codes to Google codes.
var DefaultHLCodes = map[string]string{
	"amh00": "am",
	"arb00": "ar",
	"ben00": "bn",
	"chn00": "zh-CN",
	"cht00": "zh-TW",
	"deu00": "de",
	"eng00": "en",
	"fas00": "fa",
	"frn00": "fr",
	"hau00": "ha",
	"hin00": "hi",
	"ind00": "id",
	"ita00": "it",
	"jpn00": "ja",
	"kor00": "ko",
	"pol00": "pl",
	"por00": "pt",
	"rus00": "ru",
	"spn00": "es",
	"swh00": "sw",
	"tgl00": "tl",
	"tha00": "th",
	"tur00": "tr",
	"ukr00": "uk",
	"urd00": "ur",
	"vie00": "vi",
	"yor00": "yo",
}

// LanguageMapper handles conversion between the platform's HL codes, BCP 47
// tags and the codes MT backends expect.
type LanguageMapper struct {
	hl map[string]string
}

// NewLanguageMapper creates a mapper from DefaultHLCodes plus overrides.
// Override keys are HL codes and are matched case-insensitively.
func NewLanguageMapper(overrides map[string]string) *LanguageMapper {
	hl := make(map[string]string, len(DefaultHLCodes)+len(overrides))
	for k, v := range DefaultHLCodes {
		hl[k] = v
	}
	for k, v := range overrides {
		hl[strings.ToLower(k)] = v
	}
	return &LanguageMapper{hl: hl}
}

// IsHLCode reports whether code has the HL shape: three letters then two
// digits, as in "frn00".
func IsHLCode(code string) bool {
	if len(code) != 5 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := code[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return code[3] >= '0' && code[3] <= '9' && code[4] >= '0' && code[4] <= '9'
}

// ToGoogle converts an HL code or BCP 47 tag to a Google code. It reports
// false for an HL code with no mapping and for anything that does not parse
// as a known language tag.
// Examples:
//   - "frn00" -> "fr"
//   - "cht00" -> "zh-TW"
//   - "fr-CA" -> "fr"
//   - "zh-tw" -> "zh-TW"
func (lm *LanguageMapper) ToGoogle(code string) (string, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	if g, ok := lm.hl[strings.ToLower(code)]; ok {
		return g, true
	}
	if IsHLCode(code) {
		return "", false
	}
	// Google keeps the region for Chinese only.
	lower := strings.ToLower(strings.ReplaceAll(code, "_", "-"))
	switch lower {
	case "zh-tw", "zh-hk", "zh-hant":
		return "zh-TW", true
	case "zh", "zh-cn", "zh-hans":
		return "zh-CN", true
	}
	tag, err := language.Parse(lower)
	if err != nil {
		return "", false
	}
	base, _ := tag.Base()
	if base.String() == "und" {
		return "", false
	}
	return base.String(), true
}

// ToBackendCode converts a BCP 47 tag to a bare ISO 639-1 code.
// Examples:
//   - "EN" -> "en"
//   - "fr-CA" -> "fr"
//   - "en-US" -> "en"
func (lm *LanguageMapper) ToBackendCode(tag string) string {
	lang := strings.ToLower(tag)

	// Extract base language (before any "-" or "_")
	if idx := strings.IndexAny(lang, "-_"); idx >= 0 {
		lang = lang[:idx]
	}

	return lang
}
