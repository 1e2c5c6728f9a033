package symbols

import "strings"

var separators = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// Normalize converts trading symbol spellings to one canonical form.
// It uppercases, removes separators and uses BTC instead of XBT.
//
//	btc/usd  -> BTCUSD
//	EUR-USD  -> EURUSD
//	XBT_USD  -> BTCUSD
func Normalize(sym string) string {
	sym = separators.Replace(strings.ToUpper(strings.TrimSpace(sym)))
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

// known maps canonical symbols to epics confirmed against the broker.
var known = map[string]string{
	// forex
	"EURUSD": "CS.D.EURUSD.MINI.IP",
	"GBPUSD": "CS.D.GBPUSD.MINI.IP",
	"USDJPY": "CS.D.USDJPY.MINI.IP",
	"AUDUSD": "CS.D.AUDUSD.MINI.IP",
	"USDCAD": "CS.D.USDCAD.MINI.IP",
	"USDCHF": "CS.D.USDCHF.MINI.IP",
	"NZDUSD": "CS.D.NZDUSD.MINI.IP",
	"EURGBP": "CS.D.EURGBP.MINI.IP",
	"EURJPY": "CS.D.EURJPY.MINI.IP",
	"GBPJPY": "CS.D.GBPJPY.MINI.IP",

	// crypto
	"BTCUSD":  "BTCUSD",
	"ETHUSD":  "ETHUSD",
	"LTCUSD":  "LTCUSD",
	"XRPUSD":  "XRPUSD",
	"SOLUSD":  "SOLUSD",
	"ADAUSD":  "ADAUSD",
	"DOGEUSD": "DOGEUSD",

	// indices
	"US500": "US500",
	"US100": "US100",
	"US30":  "US30",
	"UK100": "UK100",
	"DE40":  "DE40",
	"J225":  "J225",

	// commodities
	"GOLD":       "GOLD",
	"XAUUSD":     "GOLD",
	"SILVER":     "SILVER",
	"XAGUSD":     "SILVER",
	"OILCRUDE":   "OIL_CRUDE",
	"NATURALGAS": "NATURALGAS",
}

// cryptoBases are assets the broker lists against USD.
var cryptoBases = map[string]bool{
	"BTC": true, "ETH": true, "LTC": true, "XRP": true, "SOL": true,
	"ADA": true, "DOGE": true, "DOT": true, "LINK": true, "AVAX": true,
}

// candidates lists the epic spellings to probe for a symbol, in order.
// raw is the caller's spelling, sym its normalized form.
func candidates(raw, sym string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	if epic, ok := known[sym]; ok {
		add(epic)
	}
	add(sym)
	add(strings.ToUpper(strings.TrimSpace(raw)))

	if len(sym) == 6 {
		add(sym[:3] + "/" + sym[3:])
	}

	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if base := strings.TrimSuffix(sym, quote); base != sym && cryptoBases[base] {
			add(base + "USD")
			add(base + "/USD")
			break
		}
	}
	if cryptoBases[sym] {
		add(sym + "USD")
	}

	add("CS.D." + sym + ".MINI.IP")
	add("CS.D." + sym + ".CFD.IP")
	return out
}
