package markethours

import (
	"strings"
	"time"
)

var usEastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// UTC-5 fallback keeps the gate usable if tzdata is missing,
		// at the cost of DST correctness.
		loc = time.FixedZone("ET", -5*3600)
	}
	usEastern = loc
}

// Symbols that trade around the clock. Kept in sync with the feed adapter.
var cryptoSet = map[string]struct{}{
	"BTC": {}, "ETH": {}, "SOL": {}, "DOGE": {}, "XRP": {}, "ADA": {},
	"LTC": {}, "BNB": {}, "DOT": {}, "AVAX": {}, "LINK": {}, "MATIC": {},
	"ATOM": {}, "ARB": {}, "OP": {}, "BCH": {}, "ETC": {}, "NEAR": {},
	"APT": {}, "TON": {},
}

// IsCrypto reports whether the symbol belongs to the 24/7 set. Pair forms
// like "BTC/USD" count by their base symbol.
func IsCrypto(symbol string) bool {
	s := strings.ToUpper(symbol)
	if base, _, found := strings.Cut(s, "/"); found {
		s = base
	}
	_, ok := cryptoSet[s]
	return ok
}

// USEquityOpen reports whether regular US market hours are in effect
// (Mon-Fri, 09:30-16:00 ET). Holidays and half-days are not modeled.
func USEquityOpen(now time.Time) bool {
	et := now.In(usEastern)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// SymbolTrading reports whether the symbol's session is open at now.
func SymbolTrading(symbol string, now time.Time) bool {
	if IsCrypto(symbol) {
		return true
	}
	return USEquityOpen(now)
}
