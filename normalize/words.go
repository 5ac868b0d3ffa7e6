package normalize

import "strings"

var units = map[string]int{
	"zero": 0, "un": 1, "uno": 1, "una": 1, "due": 2, "tre": 3, "quattro": 4,
	"cinque": 5, "sei": 6, "sette": 7, "otto": 8, "nove": 9,
	"dieci": 10, "undici": 11, "dodici": 12, "tredici": 13, "quattordici": 14,
	"quindici": 15, "sedici": 16, "diciassette": 17, "diciotto": 18, "diciannove": 19,
}

var tens = []struct {
	word  string
	stem  string
	value int
}{
	{"venti", "vent", 20},
	{"trenta", "trent", 30},
	{"quaranta", "quarant", 40},
	{"cinquanta", "cinquant", 50},
	{"sessanta", "sessant", 60},
	{"settanta", "settant", 70},
	{"ottanta", "ottant", 80},
	{"novanta", "novant", 90},
}

var accents = strings.NewReplacer("à", "a", "è", "e", "é", "e", "ì", "i", "ò", "o", "ù", "u")

func stripAccents(s string) string {
	return accents.Replace(s)
}

// wordNumber reads an Italian numeral from 0 to 199 written as one word,
// eg "ventotto", "trentacinque", "centoventi". Plain digits also pass.
func wordNumber(w string) (int, bool) {
	w = stripAccents(strings.ToLower(strings.TrimSpace(w)))
	if w == "" {
		return 0, false
	}
	if allDigits(w) {
		n := 0
		for _, r := range w {
			n = n*10 + int(r-'0')
			if n > 100000 {
				return 0, false
			}
		}
		return n, true
	}
	if w == "cento" {
		return 100, true
	}
	if rest, ok := strings.CutPrefix(w, "cento"); ok {
		n, ok := belowHundred(rest)
		if !ok {
			return 0, false
		}
		return 100 + n, true
	}
	return belowHundred(w)
}

func belowHundred(w string) (int, bool) {
	if n, ok := units[w]; ok {
		return n, true
	}
	for _, t := range tens {
		if w == t.word {
			return t.value, true
		}
		if rest, ok := strings.CutPrefix(w, t.word); ok {
			if n, ok := units[rest]; ok && n > 0 && n < 10 {
				return t.value + n, true
			}
			return 0, false
		}
		// elision before a vowel: ventuno, trentotto
		if rest, ok := strings.CutPrefix(w, t.stem); ok && (strings.HasPrefix(rest, "u") || strings.HasPrefix(rest, "o")) {
			if n, ok := units[rest]; ok && (n == 1 || n == 8) {
				return t.value + n, true
			}
		}
	}
	return 0, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
