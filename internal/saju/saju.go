// Package saju derives the four pillars and their element distribution from
// a birth date. Everything here is pure and deterministic.
package saju

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidKey  = errors.New("invalid_saju_key")
	ErrInvalidHour = errors.New("invalid_birth_hour")
)

type Element string

const (
	Wood  Element = "목"
	Fire  Element = "화"
	Earth Element = "토"
	Metal Element = "금"
	Water Element = "수"
)

// English names the element in English.
func (e Element) English() string { return elementNames[e] }

// Elements lists the five elements in generating order.
var Elements = []Element{Wood, Fire, Earth, Metal, Water}

var (
	stems    = []string{"甲", "乙", "丙", "丁", "戊", "己", "庚", "辛", "壬", "癸"}
	branches = []string{"子", "丑", "寅", "卯", "辰", "巳", "午", "未", "申", "酉", "戌", "亥"}

	stemRoman   = []string{"Gap", "Eul", "Byeong", "Jeong", "Mu", "Gi", "Gyeong", "Sin", "Im", "Gye"}
	branchRoman = []string{"Ja", "Chuk", "In", "Myo", "Jin", "Sa", "O", "Mi", "Sin", "Yu", "Sul", "Hae"}

	elementNames = map[Element]string{Wood: "Wood", Fire: "Fire", Earth: "Earth", Metal: "Metal", Water: "Water"}

	stemElements   = []Element{Wood, Wood, Fire, Fire, Earth, Earth, Metal, Metal, Water, Water}
	branchElements = []Element{Water, Earth, Wood, Wood, Earth, Fire, Fire, Earth, Metal, Metal, Earth, Water}

	// Day of month on which each solar month starts, January first. The
	// month branch of January is 丑, of February 寅 and so on.
	solarTermDays = []int{6, 4, 6, 5, 6, 6, 7, 8, 8, 8, 7, 7}

	// 1900-01-01 is a 甲戌 day, index 10 of the sexagenary cycle.
	dayEpoch      = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	dayEpochCycle = 10
)

// Pillar is one stem/branch pair.
type Pillar struct {
	Stem   int `json:"stem"`
	Branch int `json:"branch"`
}

func (p Pillar) String() string {
	return stems[p.Stem] + branches[p.Branch]
}

// Roman spells the pillar in Latin letters, e.g. Gap-Ja.
func (p Pillar) Roman() string {
	return stemRoman[p.Stem] + "-" + branchRoman[p.Branch]
}

func (p Pillar) StemElement() Element   { return stemElements[p.Stem] }
func (p Pillar) BranchElement() Element { return branchElements[p.Branch] }

// Chart is a computed four pillars reading. Hour is nil when the birth hour
// is unknown.
type Chart struct {
	Year     Pillar
	Month    Pillar
	Day      Pillar
	Hour     *Pillar
	Elements map[Element]int
}

// Pillars returns the present pillars from year to hour.
func (c Chart) Pillars() []Pillar {
	out := []Pillar{c.Year, c.Month, c.Day}
	if c.Hour != nil {
		out = append(out, *c.Hour)
	}
	return out
}

// Dominant returns the element with the highest count, earliest in
// generating order on ties.
func (c Chart) Dominant() Element {
	best := Elements[0]
	for _, e := range Elements[1:] {
		if c.Elements[e] > c.Elements[best] {
			best = e
		}
	}
	return best
}

// Missing returns elements absent from the chart.
func (c Chart) Missing() []Element {
	var out []Element
	for _, e := range Elements {
		if c.Elements[e] == 0 {
			out = append(out, e)
		}
	}
	return out
}

// Birth is the parsed form of a saju key.
type Birth struct {
	Date      time.Time
	Hour      *int
	Gender    string
	HourKnown bool
}

// ParseKey reads `YYYY-MM-DD_hour_gender`. The hour may be `unknown` or
// empty.
func ParseKey(key string) (Birth, error) {
	parts := strings.Split(strings.TrimSpace(key), "_")
	if len(parts) != 3 {
		return Birth{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	date, err := time.Parse("2006-01-02", parts[0])
	if err != nil {
		return Birth{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	birth := Birth{Date: date, Gender: normalizeGender(parts[2])}
	switch raw := strings.ToLower(strings.TrimSpace(parts[1])); raw {
	case "", "unknown", "uh":
	default:
		hour, err := strconv.Atoi(raw)
		if err != nil || hour < 0 || hour > 23 {
			return Birth{}, fmt.Errorf("%w: %q", ErrInvalidHour, parts[1])
		}
		birth.Hour = &hour
		birth.HourKnown = true
	}
	return birth, nil
}

func normalizeGender(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male", "m":
		return "male"
	case "female", "f":
		return "female"
	default:
		return "unknown"
	}
}

// Calculate computes the chart for a birth. Month and year boundaries use
// fixed solar term days, which can be off by a day around a term.
func Calculate(b Birth) (Chart, error) {
	if b.Hour != nil && (*b.Hour < 0 || *b.Hour > 23) {
		return Chart{}, ErrInvalidHour
	}
	year, month, day := b.Date.Date()

	// Solar month index counted from 寅 (0) through 丑 (11).
	monthIdx := int(month) - 2
	if day < solarTermDays[month-1] {
		monthIdx--
	}
	if monthIdx < 0 {
		monthIdx += 12
	}
	// The year turns at the start of 寅.
	sajuYear := year
	if month < time.February || (month == time.February && day < solarTermDays[1]) {
		sajuYear--
	}

	yearPillar := Pillar{Stem: mod(sajuYear-4, 10), Branch: mod(sajuYear-4, 12)}
	monthPillar := Pillar{
		Stem:   mod((yearPillar.Stem%5)*2+2+monthIdx, 10),
		Branch: mod(monthIdx+2, 12),
	}

	days := int(time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Sub(dayEpoch).Hours() / 24)
	cycle := mod(dayEpochCycle+days, 60)
	dayPillar := Pillar{Stem: cycle % 10, Branch: cycle % 12}

	chart := Chart{Year: yearPillar, Month: monthPillar, Day: dayPillar}
	if b.Hour != nil {
		branch := ((*b.Hour + 1) / 2) % 12
		chart.Hour = &Pillar{
			Stem:   mod((dayPillar.Stem%5)*2+branch, 10),
			Branch: branch,
		}
	}

	chart.Elements = make(map[Element]int, len(Elements))
	for _, e := range Elements {
		chart.Elements[e] = 0
	}
	for _, p := range chart.Pillars() {
		chart.Elements[p.StemElement()]++
		chart.Elements[p.BranchElement()]++
	}
	return chart, nil
}

// FromKey parses and calculates in one step.
func FromKey(key string) (Birth, Chart, error) {
	birth, err := ParseKey(key)
	if err != nil {
		return Birth{}, Chart{}, err
	}
	chart, err := Calculate(birth)
	if err != nil {
		return Birth{}, Chart{}, err
	}
	return birth, chart, nil
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}
