package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/Rome must resolve on minimal images
)

// DefaultLocation resolves "now" and relative dates.
var DefaultLocation = mustLoadLocation("Europe/Rome")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("normalize: load location %s: %v", name, err))
	}
	return loc
}

var (
	clockRe      = regexp.MustCompile(`^(\d{1,2})\s*[:.,h]\s*(\d{1,2})$`)
	spacedClock  = regexp.MustCompile(`^(\d{1,2})\s+(\d{2})$`)
	compactClock = regexp.MustCompile(`^(\d{3,4})$`)
	isoDate      = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
	euDate       = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})(?:[-/.](\d{2,4}))?$`)
)

var nowTokens = map[string]bool{
	"ora": true, "adesso": true, "now": true, "subito": true,
	"in questo momento": true, "proprio ora": true, "adesso stesso": true,
}

var timeStopwords = map[string]bool{
	"sono": true, "le": true, "alle": true, "ore": true,
	"circa": true, "verso": true, "l": true, "di": true, "del": true, "della": true,
	"mattina": true, "mattino": true,
}

var afternoonWords = map[string]bool{
	"pomeriggio": true, "sera": true, "stasera": true,
}

// SpokenTime parses a spoken or typed clock time into zero padded "HH:MM".
func SpokenTime(raw string, now time.Time) (string, bool) {
	return SpokenTimeIn(raw, now, DefaultLocation)
}

// SpokenTimeIn is SpokenTime with an explicit location for "now".
func SpokenTimeIn(raw string, now time.Time, loc *time.Location) (string, bool) {
	s := stripAccents(strings.ToLower(strings.TrimSpace(raw)))
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "'", " ")), " ")
	if s == "" {
		return "", false
	}
	if loc == nil {
		loc = DefaultLocation
	}

	if nowTokens[s] || nowTokens[strings.TrimPrefix(s, "sono ")] {
		return now.In(loc).Format("15:04"), true
	}

	if m := clockRe.FindStringSubmatch(s); m != nil {
		return clock(atoi(m[1]), atoi(m[2]))
	}
	if m := spacedClock.FindStringSubmatch(s); m != nil {
		return clock(atoi(m[1]), atoi(m[2]))
	}
	if m := compactClock.FindStringSubmatch(s); m != nil {
		v := atoi(m[1])
		return clock(v/100, v%100)
	}

	var tokens []string
	pm := false
	for _, tok := range strings.Fields(s) {
		switch {
		case afternoonWords[tok]:
			pm = true
		case timeStopwords[tok]:
		default:
			tokens = append(tokens, tok)
		}
	}
	// "e l'una" after accent folding
	for len(tokens) > 0 && tokens[0] == "e" {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return "", false
	}

	hour, ok := hourWord(tokens[0])
	if !ok {
		if m := clockRe.FindStringSubmatch(tokens[0]); m != nil && len(tokens) == 1 {
			return clock(atoi(m[1]), atoi(m[2]))
		}
		return "", false
	}
	minute := 0
	rest := tokens[1:]

	if len(rest) > 0 {
		switch rest[0] {
		case "e":
			m, ok := minuteWords(rest[1:])
			if !ok {
				return "", false
			}
			minute = m
		case "meno":
			m, ok := minuteWords(rest[1:])
			if !ok || m == 0 {
				return "", false
			}
			hour = (hour + 23) % 24
			minute = 60 - m
		default:
			m, ok := minuteWords(rest)
			if !ok {
				return "", false
			}
			minute = m
		}
	}

	if pm && hour < 12 {
		hour += 12
	}
	return clock(hour, minute)
}

func hourWord(tok string) (int, bool) {
	switch tok {
	case "mezzogiorno":
		return 12, true
	case "mezzanotte":
		return 0, true
	}
	n, ok := wordNumber(tok)
	if !ok || n > 24 {
		return 0, false
	}
	return n % 24, true
}

func minuteWords(tokens []string) (int, bool) {
	joined := strings.Join(tokens, " ")
	switch joined {
	case "mezza", "mezzo":
		return 30, true
	case "un quarto", "quarto":
		return 15, true
	case "tre quarti":
		return 45, true
	}
	if len(tokens) == 0 {
		return 0, false
	}
	total := 0
	for _, tok := range tokens {
		if tok == "minuti" || tok == "minuto" {
			continue
		}
		n, ok := wordNumber(tok)
		if !ok {
			return 0, false
		}
		total += n
	}
	if total > 59 {
		return 0, false
	}
	return total, true
}

func clock(hour, minute int) (string, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

var months = map[string]time.Month{
	"gennaio": time.January, "febbraio": time.February, "marzo": time.March,
	"aprile": time.April, "maggio": time.May, "giugno": time.June,
	"luglio": time.July, "agosto": time.August, "settembre": time.September,
	"ottobre": time.October, "novembre": time.November, "dicembre": time.December,
}

var dateStopwords = map[string]bool{
	"il": true, "di": true, "del": true, "lo": true, "l": true,
}

// SpokenDate parses a spoken or typed date into "YYYY-MM-DD".
func SpokenDate(raw string, now time.Time) (string, bool) {
	return SpokenDateIn(raw, now, DefaultLocation)
}

// SpokenDateIn is SpokenDate with an explicit location for relative words.
func SpokenDateIn(raw string, now time.Time, loc *time.Location) (string, bool) {
	s := stripAccents(strings.ToLower(strings.TrimSpace(raw)))
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "'", " ")), " ")
	if s == "" {
		return "", false
	}
	if loc == nil {
		loc = DefaultLocation
	}
	today := now.In(loc)

	switch s {
	case "oggi", "today":
		return formatDate(today), true
	case "ieri", "yesterday":
		return formatDate(today.AddDate(0, 0, -1)), true
	case "domani", "tomorrow":
		return formatDate(today.AddDate(0, 0, 1)), true
	case "altro ieri", "altroieri", "avantieri":
		return formatDate(today.AddDate(0, 0, -2)), true
	}

	if m := isoDate.FindStringSubmatch(s); m != nil {
		return date(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := euDate.FindStringSubmatch(s); m != nil {
		year := today.Year()
		if m[3] != "" {
			year = expandYear(atoi(m[3]))
		}
		return date(year, atoi(m[2]), atoi(m[1]))
	}

	var tokens []string
	for _, tok := range strings.Fields(s) {
		if !dateStopwords[tok] {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) < 2 || len(tokens) > 3 {
		return "", false
	}

	day, ok := dayWord(tokens[0])
	if !ok {
		return "", false
	}
	month, ok := months[tokens[1]]
	if !ok {
		return "", false
	}
	year := today.Year()
	if len(tokens) == 3 {
		y, err := strconv.Atoi(tokens[2])
		if err != nil {
			return "", false
		}
		year = expandYear(y)
	}
	return date(year, int(month), day)
}

func dayWord(tok string) (int, bool) {
	if tok == "primo" || tok == "1o" || tok == "1°" {
		return 1, true
	}
	n, ok := wordNumber(tok)
	if !ok || n < 1 || n > 31 {
		return 0, false
	}
	return n, true
}

func expandYear(y int) int {
	if y < 100 {
		return 2000 + y
	}
	return y
}

func date(year, month, day int) (string, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1900 || year > 9999 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", false
	}
	return formatDate(t), true
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// ParseDate reads a normalized "YYYY-MM-DD" value.
func ParseDate(value string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ValidClock reports whether value is a normalized "HH:MM".
func ValidClock(value string) bool {
	t, err := time.Parse("15:04", value)
	return err == nil && t.Format("15:04") == value
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
