package currency

import "strings"

// SupportedCodes is the closed set of ISO 4217 codes the service accepts,
// both for company base currencies and for submitted expenses.
var SupportedCodes = []string{
	"USD", "EUR", "GBP", "JPY", "AUD", "CAD", "CHF", "CNY", "INR", "MXN",
	"BRL", "ZAR", "SGD", "HKD", "SEK", "NOK", "DKK", "PLN", "THB", "MYR",
	"IDR", "PHP", "KRW", "NZD", "TRY", "RUB", "AED", "SAR",
}

var supportedSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(SupportedCodes))
	for _, code := range SupportedCodes {
		set[code] = struct{}{}
	}
	return set
}()

// NormalizeCode uppercases and trims a currency code without validating it.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCodeFormat reports whether code is exactly three ASCII letters A-Z.
// Callers normalize first.
func ValidCodeFormat(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Supported reports whether the normalized code is in the supported set.
func Supported(code string) bool {
	_, ok := supportedSet[code]
	return ok
}
