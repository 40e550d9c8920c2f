package pdf_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/smallbiznis/fortunepay/internal/providers/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReportProducesPDF(t *testing.T) {
	r, err := pdf.New().GenerateReport(context.Background(), pdf.ReportData{
		OrderID:    "1234",
		IssuedAt:   "2026-03-01",
		BirthDate:  "1984-06-01",
		BirthHour:  "20",
		Gender:     "male",
		AmountPaid: "KRW 1,900",
		Pillars: []pdf.PillarRow{
			{Position: "Year", Name: "Gap-Ja", Stem: "Wood", Branch: "Water"},
		},
		Elements: []pdf.ElementRow{{Name: "Wood", Count: 2, Share: "25%"}},
		Summary:  []string{"Earth leads this chart."},
	})
	require.NoError(t, err)

	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("%PDF")))
}

func TestGenerateReportHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pdf.New().GenerateReport(ctx, pdf.ReportData{})
	assert.ErrorIs(t, err, context.Canceled)
}
