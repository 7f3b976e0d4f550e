package language

import "strings"

type mapping struct {
	iso2  string
	iso3  []string // ISO 639-2 forms, including bibliographic variants
	words []string
}

// Languages the transcription backend advertises support for. Hints outside
// this table fall back to 2-letter passthrough in ToISO2.
var mappings = []mapping{
	{"en", []string{"eng"}, []string{"english"}},
	{"es", []string{"spa"}, []string{"spanish"}},
	{"fr", []string{"fra", "fre"}, []string{"french"}},
	{"de", []string{"deu", "ger"}, []string{"german"}},
	{"it", []string{"ita"}, []string{"italian"}},
	{"pt", []string{"por"}, []string{"portuguese"}},
	{"ja", []string{"jpn"}, []string{"japanese"}},
	{"ko", []string{"kor"}, []string{"korean"}},
	{"zh", []string{"zho", "chi"}, []string{"chinese", "mandarin"}},
	{"ru", []string{"rus"}, []string{"russian"}},
	{"ar", []string{"ara"}, []string{"arabic"}},
	{"hi", []string{"hin"}, []string{"hindi"}},
	{"nl", []string{"nld", "dut"}, []string{"dutch"}},
	{"pl", []string{"pol"}, []string{"polish"}},
	{"sv", []string{"swe"}, []string{"swedish"}},
	{"da", []string{"dan"}, []string{"danish"}},
	{"no", []string{"nor"}, []string{"norwegian"}},
	{"fi", []string{"fin"}, []string{"finnish"}},
	{"tr", []string{"tur"}, []string{"turkish"}},
	{"uk", []string{"ukr"}, []string{"ukrainian"}},
	{"vi", []string{"vie"}, []string{"vietnamese"}},
}

var byAlias = func() map[string]string {
	index := make(map[string]string, len(mappings)*4)
	for _, m := range mappings {
		index[m.iso2] = m.iso2
		for _, code := range m.iso3 {
			index[code] = m.iso2
		}
		for _, word := range m.words {
			index[word] = m.iso2
		}
	}
	return index
}()

// ToISO2 reduces a language hint to an ISO 639-1 code. Unrecognized 2-letter
// input passes through unchanged so uncommon but valid codes still reach the
// transcriber; anything else unrecognized returns the empty string.
func ToISO2(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return ""
	}
	if iso, ok := byAlias[hint]; ok {
		return iso
	}
	if len(hint) == 2 {
		return hint
	}
	return ""
}
