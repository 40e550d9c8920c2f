package saju_test

import (
	"testing"

	"github.com/smallbiznis/fortunepay/internal/saju"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pillarStrings(c saju.Chart) []string {
	var out []string
	for _, p := range c.Pillars() {
		out = append(out, p.String())
	}
	return out
}

func TestFromKeyComputesPillars(t *testing.T) {
	cases := []struct {
		key      string
		pillars  []string
		elements map[saju.Element]int
	}{
		{
			key:      "1984-06-01_20_male",
			pillars:  []string{"甲子", "己巳", "丙寅", "戊戌"},
			elements: map[saju.Element]int{saju.Wood: 2, saju.Fire: 2, saju.Earth: 3, saju.Metal: 0, saju.Water: 1},
		},
		{
			key:      "1990-05-17_14_female",
			pillars:  []string{"庚午", "辛巳", "壬午", "丁未"},
			elements: map[saju.Element]int{saju.Wood: 0, saju.Fire: 4, saju.Earth: 1, saju.Metal: 2, saju.Water: 1},
		},
		{
			// Before the spring term the previous year and 子 month apply.
			key:     "2000-01-01_12_male",
			pillars: []string{"己卯", "丙子", "戊午", "戊午"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			_, chart, err := saju.FromKey(tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.pillars, pillarStrings(chart))
			if tc.elements != nil {
				assert.Equal(t, tc.elements, chart.Elements)
			}
		})
	}
}

func TestUnknownHourLeavesThreePillars(t *testing.T) {
	birth, chart, err := saju.FromKey("1984-06-01_unknown_f")
	require.NoError(t, err)
	assert.False(t, birth.HourKnown)
	assert.Equal(t, "female", birth.Gender)
	assert.Nil(t, chart.Hour)
	assert.Len(t, chart.Pillars(), 3)

	total := 0
	for _, n := range chart.Elements {
		total += n
	}
	assert.Equal(t, 6, total)
}

func TestDominantAndMissing(t *testing.T) {
	_, chart, err := saju.FromKey("1984-06-01_20_male")
	require.NoError(t, err)
	assert.Equal(t, saju.Earth, chart.Dominant())
	assert.Equal(t, []saju.Element{saju.Metal}, chart.Missing())
}

func TestParseKeyRejectsMalformedInput(t *testing.T) {
	for _, key := range []string{"", "1984-06-01", "1984-13-01_10_male", "1984-06-01_24_male", "1984-06-01_x_male"} {
		_, err := saju.ParseKey(key)
		assert.Error(t, err, key)
	}
	_, err := saju.ParseKey("1984-06-01_24_male")
	assert.ErrorIs(t, err, saju.ErrInvalidHour)
	_, err = saju.ParseKey("garbage")
	assert.ErrorIs(t, err, saju.ErrInvalidKey)
}

func TestRomanNames(t *testing.T) {
	_, chart, err := saju.FromKey("1984-06-01_20_male")
	require.NoError(t, err)
	assert.Equal(t, "Gap-Ja", chart.Year.Roman())
	assert.Equal(t, "Mu-Sul", chart.Hour.Roman())
	assert.Equal(t, "Earth", chart.Dominant().English())
}
