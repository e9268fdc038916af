package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/store"
)

// normalize converts an extracted raw value into its canonical form for the
// slot type. Dates resolve relative forms against the user's timezone.
func (e *Extractor) normalize(intent *registry.Intent, slot *registry.Slot, raw string, ectx *Context) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty value")
	}

	switch slot.Def.Type {
	case store.SlotTypeText:
		return raw, nil
	case store.SlotTypeNumber:
		return normalizeNumber(raw)
	case store.SlotTypeDate:
		return normalizeDate(raw, ectx)
	case store.SlotTypeTime:
		return normalizeClock(raw)
	case store.SlotTypeDatetime:
		return normalizeDatetime(raw, ectx)
	case store.SlotTypeEmail:
		return normalizeEmail(raw)
	case store.SlotTypePhone:
		return normalizePhone(raw)
	case store.SlotTypeBoolean:
		return normalizeBoolean(raw)
	case store.SlotTypeEntity:
		if entry, ok := e.registry.Snapshot().ResolveEntity(slot.Def.EntityType, raw); ok {
			return entry.Canonical, nil
		}
		return "", fmt.Errorf("unknown %s entity %q", slot.Def.EntityType, raw)
	default:
		return raw, nil
	}
}

// normalizeNumber parses grouped forms like "1,234.5" and "1 234".
func normalizeNumber(raw string) (string, error) {
	s := strings.NewReplacer(",", "", " ", "", "，", "").Replace(raw)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("not a number: %q", raw)
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

var (
	cnDatePattern   = regexp.MustCompile(`(?:(\d{4})年)?(\d{1,2})月(\d{1,2})[日号]`)
	isoDatePattern  = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})$`)
	weekdayCN       = map[string]time.Weekday{"一": time.Monday, "二": time.Tuesday, "三": time.Wednesday, "四": time.Thursday, "五": time.Friday, "六": time.Saturday, "日": time.Sunday, "天": time.Sunday}
	weekdayEN       = map[string]time.Weekday{"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday, "sunday": time.Sunday}
	nextWeekPattern = regexp.MustCompile(`下+周([一二三四五六日天])`)
	thisWeekPattern = regexp.MustCompile(`(?:本|这)周([一二三四五六日天])`)
	nextDayPattern  = regexp.MustCompile(`(?i)next\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`)
)

// normalizeDate resolves absolute and relative date forms to ISO yyyy-mm-dd.
func normalizeDate(raw string, ectx *Context) (string, error) {
	now := ectx.now()
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)

	switch lower {
	case "今天", "today":
		return now.Format("2006-01-02"), nil
	case "明天", "tomorrow":
		return now.AddDate(0, 0, 1).Format("2006-01-02"), nil
	case "后天", "day after tomorrow":
		return now.AddDate(0, 0, 2).Format("2006-01-02"), nil
	case "大后天":
		return now.AddDate(0, 0, 3).Format("2006-01-02"), nil
	case "昨天", "yesterday":
		return now.AddDate(0, 0, -1).Format("2006-01-02"), nil
	}

	if m := nextWeekPattern.FindStringSubmatch(s); m != nil {
		weeks := strings.Count(m[0], "下")
		return nextWeekday(now, weekdayCN[m[1]], weeks).Format("2006-01-02"), nil
	}
	if m := thisWeekPattern.FindStringSubmatch(s); m != nil {
		return nextWeekday(now, weekdayCN[m[1]], 0).Format("2006-01-02"), nil
	}
	if m := nextDayPattern.FindStringSubmatch(lower); m != nil {
		// English "next <day>" reads as the coming one.
		return nextWeekday(now, weekdayEN[m[1]], 0).Format("2006-01-02"), nil
	}

	if m := isoDatePattern.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return fmt.Sprintf("%s-%02d-%02d", m[1], month, day), nil
	}
	if m := cnDatePattern.FindStringSubmatch(s); m != nil {
		year := now.Year()
		if m[1] != "" {
			year, _ = strconv.Atoi(m[1])
		}
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, ectx.location())
		// A bare month/day already past rolls into next year.
		if m[1] == "" && d.Before(now.Truncate(24*time.Hour)) {
			d = d.AddDate(1, 0, 0)
		}
		return d.Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("unrecognized date %q", raw)
}

// nextWeekday returns the given weekday in the week `weeksAhead` weeks from
// now; weeksAhead=0 means this week (or the coming one if already past).
func nextWeekday(now time.Time, wd time.Weekday, weeksAhead int) time.Time {
	// Monday-based week offset.
	cur := int(now.Weekday()+6) % 7
	target := int(wd+6) % 7
	days := target - cur + 7*weeksAhead
	if days <= 0 {
		days += 7
	}
	return now.AddDate(0, 0, days)
}

var (
	clockPattern = regexp.MustCompile(`^(\d{1,2})[:：点](\d{1,2})?分?$`)
	pmMarkers    = []string{"下午", "晚上", "pm"}
)

// normalizeClock resolves time-of-day forms to HH:MM.
func normalizeClock(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	pm := false
	for _, marker := range pmMarkers {
		if strings.Contains(s, marker) {
			pm = true
			s = strings.ReplaceAll(s, marker, "")
		}
	}
	s = strings.NewReplacer("上午", "", "早上", "", "am", "", " ", "").Replace(s)

	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("unrecognized time %q", raw)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if pm && hour < 12 {
		hour += 12
	}
	if hour > 23 || minute > 59 {
		return "", fmt.Errorf("time out of range %q", raw)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

func normalizeDatetime(raw string, ectx *Context) (string, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(raw), ectx.location()); err == nil {
			return t.Format("2006-01-02 15:04:05"), nil
		}
	}
	// Split forms like "明天 下午3点".
	parts := strings.Fields(raw)
	if len(parts) == 2 {
		d, err := normalizeDate(parts[0], ectx)
		if err != nil {
			return "", err
		}
		c, err := normalizeClock(parts[1])
		if err != nil {
			return "", err
		}
		return d + " " + c + ":00", nil
	}
	if d, err := normalizeDate(raw, ectx); err == nil {
		return d + " 00:00:00", nil
	}
	return "", fmt.Errorf("unrecognized datetime %q", raw)
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func normalizeEmail(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(s) {
		return "", fmt.Errorf("not an email: %q", raw)
	}
	return s, nil
}

var phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "（", "", "）", "")

func normalizePhone(raw string) (string, error) {
	s := phoneStripper.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(s, "+") {
		if len(s) < 8 || !digitsOnly(s[1:]) {
			return "", fmt.Errorf("not a phone number: %q", raw)
		}
		return s, nil
	}
	if len(s) < 7 || !digitsOnly(s) {
		return "", fmt.Errorf("not a phone number: %q", raw)
	}
	return s, nil
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

var (
	trueTokens  = map[string]bool{"true": true, "yes": true, "y": true, "1": true, "是": true, "要": true, "好": true, "对": true, "需要": true, "确认": true}
	falseTokens = map[string]bool{"false": true, "no": true, "n": true, "0": true, "否": true, "不": true, "不要": true, "不用": true, "取消": true}
)

func normalizeBoolean(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if trueTokens[s] {
		return "true", nil
	}
	if falseTokens[s] {
		return "false", nil
	}
	return "", fmt.Errorf("not a boolean token: %q", raw)
}
