// Package parties holds the closed set of party codes accepted by this
// deployment and their display names.
package parties

// codeNames maps accepted party codes to display names. Any code outside
// this map is rejected at parse time.
var codeNames = map[string]string{
	"C":    "Conservative Party",
	"L":    "Labour Party",
	"LD":   "Liberal Democrats",
	"UKIP": "UKIP",
	"G":    "Green Party",
	"SNP":  "SNP",
	"Ind":  "Independent",
}

// IsValid reports whether code is an accepted party code.
func IsValid(code string) bool {
	_, ok := codeNames[code]
	return ok
}

// Name returns the display name for a party code, falling back to the code
// itself for anything unknown (deleted uploads may hold codes that were
// valid under an earlier configuration).
func Name(code string) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return code
}

// Codes returns all accepted party codes.
func Codes() []string {
	codes := make([]string, 0, len(codeNames))
	for code := range codeNames {
		codes = append(codes, code)
	}
	return codes
}
