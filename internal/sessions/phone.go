package sessions

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"consultline/internal/apperr"
	"consultline/pkg/logger"
)

// '+' followed by 8 to 15 digits, no leading zero in the country code.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// Recognized country calling codes. Unknown prefixes are logged, not rejected.
var knownCountryCodes = map[string]struct{}{
	"1": {}, "7": {}, "20": {}, "27": {}, "30": {}, "31": {}, "32": {}, "33": {}, "34": {}, "36": {},
	"39": {}, "40": {}, "41": {}, "43": {}, "44": {}, "45": {}, "46": {}, "47": {}, "48": {}, "49": {},
	"51": {}, "52": {}, "54": {}, "55": {}, "56": {}, "57": {}, "60": {}, "61": {}, "62": {}, "63": {},
	"64": {}, "65": {}, "66": {}, "81": {}, "82": {}, "84": {}, "86": {}, "90": {}, "91": {}, "212": {},
	"213": {}, "216": {}, "221": {}, "225": {}, "230": {}, "234": {}, "237": {}, "254": {}, "262": {},
	"351": {}, "352": {}, "353": {}, "358": {}, "377": {}, "420": {}, "590": {}, "594": {}, "596": {},
	"687": {}, "689": {}, "852": {}, "961": {}, "966": {}, "971": {}, "972": {}, "974": {},
}

var phoneNoise = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "\u00a0", "")

// CleanPhone normalizes a user-entered number to E.164 and validates it.
// A leading "00" is treated as the international prefix.
func CleanPhone(ctx context.Context, raw string) (string, error) {
	p := phoneNoise.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(p, "00") {
		p = "+" + p[2:]
	}
	if !e164Pattern.MatchString(p) {
		return "", apperr.Validation("phone number %q is not a valid international number", raw)
	}
	if !KnownCountryCode(p) {
		logger.From(ctx).Warn("phone number has unrecognized country code", slog.String("prefix", p[:min(len(p), 4)]))
	}
	return p, nil
}

// KnownCountryCode reports whether an E.164 number starts with a recognized
// 1 to 3 digit country code.
func KnownCountryCode(e164 string) bool {
	digits := strings.TrimPrefix(e164, "+")
	for n := 1; n <= 3 && n <= len(digits); n++ {
		if _, ok := knownCountryCodes[digits[:n]]; ok {
			return true
		}
	}
	return false
}

// ValidatePair cleans both numbers and rejects identical ones.
func ValidatePair(ctx context.Context, providerPhone, clientPhone string) (string, string, error) {
	prov, err := CleanPhone(ctx, providerPhone)
	if err != nil {
		return "", "", err
	}
	cli, err := CleanPhone(ctx, clientPhone)
	if err != nil {
		return "", "", err
	}
	if prov == cli {
		return "", "", apperr.Validation("provider and client phone numbers must differ")
	}
	return prov, cli, nil
}
