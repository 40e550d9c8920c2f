package pdf

import (
	"context"
	"io"
)

type Provider interface {
	GenerateReport(ctx context.Context, data ReportData) (io.Reader, error)
}

func New() Provider {
	return &PDFProvider{}
}

type PDFProvider struct{}
