package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// ReportData feeds the report layout. The built-in fonts only cover Latin-1
// so every field is expected in romanized form.
type ReportData struct {
	Title      string
	OrderID    string
	IssuedAt   string
	BirthDate  string
	BirthHour  string
	Gender     string
	AmountPaid string
	Pillars    []PillarRow
	Elements   []ElementRow
	Summary    []string
}

type PillarRow struct {
	Position string
	Name     string
	Stem     string
	Branch   string
}

type ElementRow struct {
	Name  string
	Count int
	Share string
}

func (p *PDFProvider) GenerateReport(ctx context.Context, data ReportData) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	title := data.Title
	if title == "" {
		title = "Four Pillars Report"
	}
	m.AddRow(14,
		text.NewCol(12, title, props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Order: "+data.OrderID, props.Text{Top: 0}),
			text.New("Issued: "+data.IssuedAt, props.Text{Top: 4}),
			text.New("Paid: "+data.AmountPaid, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Birth date: "+data.BirthDate, props.Text{Top: 0}),
			text.New("Birth hour: "+data.BirthHour, props.Text{Top: 4}),
			text.New("Gender: "+data.Gender, props.Text{Top: 8}),
		),
	)

	m.AddRow(10,
		text.NewCol(12, "Pillars", props.Text{Size: 14, Style: fontstyle.Bold, Top: 2}),
	)
	m.AddRow(8,
		text.NewCol(3, "Position", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Pillar", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Stem element", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Branch element", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(1, line.NewCol(12))
	for _, row := range data.Pillars {
		m.AddRow(8,
			text.NewCol(3, row.Position, props.Text{Size: 9}),
			text.NewCol(3, row.Name, props.Text{Size: 9}),
			text.NewCol(3, row.Stem, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, row.Branch, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		text.NewCol(12, "Five elements", props.Text{Size: 14, Style: fontstyle.Bold, Top: 2}),
	)
	m.AddRow(1, line.NewCol(12))
	for _, row := range data.Elements {
		m.AddRow(8,
			text.NewCol(6, row.Name, props.Text{Size: 9}),
			text.NewCol(3, fmt.Sprintf("%d", row.Count), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, row.Share, props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(data.Summary) > 0 {
		m.AddRow(10,
			text.NewCol(12, "Reading", props.Text{Size: 14, Style: fontstyle.Bold, Top: 2}),
		)
		for _, paragraph := range data.Summary {
			m.AddAutoRow(text.NewCol(12, paragraph, props.Text{Size: 10, Top: 2}))
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
