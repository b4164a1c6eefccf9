package exchange

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownPair reports that a raw market string could not be resolved
// to two known symbols. It is fatal to the one message carrying the
// string, never to the connection: a wrong split would silently corrupt
// market and coin identity everywhere downstream.
var ErrUnknownPair = errors.New("market pair could not be resolved to known symbols")

// SplitPair resolves an exchange's free-form pair spelling ("BTC_ETH",
// "BTC-ETH", "BTCETH") to its two symbols. Separator splits are trusted
// as-is; for separator-less strings an even-length bisection is tried
// first, then every split point is checked against the known-symbol set.
func SplitPair(raw string, known map[string]struct{}) (string, string, error) {
	raw = strings.ToUpper(raw)
	if i := strings.IndexAny(raw, "_-"); i > 0 && i < len(raw)-1 {
		return raw[:i], raw[i+1:], nil
	}
	isKnown := func(s string) bool {
		_, ok := known[s]
		return ok
	}
	if len(raw)%2 == 0 {
		half := len(raw) / 2
		if isKnown(raw[:half]) && isKnown(raw[half:]) {
			return raw[:half], raw[half:], nil
		}
	}
	for i := 1; i < len(raw); i++ {
		if isKnown(raw[:i]) && isKnown(raw[i:]) {
			return raw[:i], raw[i:], nil
		}
	}
	return "", "", errors.Wrap(ErrUnknownPair, raw)
}
