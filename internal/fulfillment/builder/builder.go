// Package builder renders four pillars reports to HTML and PDF and mails
// them to the buyer.
package builder

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	"github.com/smallbiznis/fortunepay/internal/providers/email"
	"github.com/smallbiznis/fortunepay/internal/providers/pdf"
	"github.com/smallbiznis/fortunepay/internal/saju"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultOutputDir = "static/uploads/reports"

//go:embed templates/report.html
var templateFS embed.FS

var reportTemplate = template.Must(template.ParseFS(templateFS, "templates/report.html"))

var (
	positionsKR = []string{"년주", "월주", "일주", "시주"}
	positionsEN = []string{"Year", "Month", "Day", "Hour"}

	genderKR = map[string]string{"male": "남", "female": "여", "unknown": "미상"}

	elementReadingKR = map[saju.Element]string{
		saju.Wood:  "목(木)의 기운은 성장과 시작을 뜻합니다.",
		saju.Fire:  "화(火)의 기운은 표현력과 열정을 뜻합니다.",
		saju.Earth: "토(土)의 기운은 안정과 신뢰를 뜻합니다.",
		saju.Metal: "금(金)의 기운은 결단과 원칙을 뜻합니다.",
		saju.Water: "수(水)의 기운은 지혜와 유연함을 뜻합니다.",
	}
	elementReadingEN = map[saju.Element]string{
		saju.Wood:  "Wood stands for growth and new beginnings.",
		saju.Fire:  "Fire stands for expression and passion.",
		saju.Earth: "Earth stands for stability and trust.",
		saju.Metal: "Metal stands for resolve and principle.",
		saju.Water: "Water stands for wisdom and flexibility.",
	}
)

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
	PDF   pdf.Provider
	Email email.Provider `optional:"true"`
}

type Builder struct {
	log       *zap.Logger
	clock     clock.Clock
	pdf       pdf.Provider
	email     email.Provider
	outputDir string
	siteURL   string
}

func New(p Params) domain.Builder {
	return NewBuilder(p)
}

func NewBuilder(p Params) *Builder {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	outputDir := strings.TrimSpace(p.Cfg.Report.OutputDir)
	if outputDir == "" {
		outputDir = defaultOutputDir
	}
	mailer := p.Email
	if mailer == nil {
		mailer = &email.NoOpProvider{}
	}
	return &Builder{
		log:       p.Log.Named("fulfillment.builder"),
		clock:     clk,
		pdf:       p.PDF,
		email:     mailer,
		outputDir: outputDir,
		siteURL:   strings.TrimRight(p.Cfg.SiteURL, "/"),
	}
}

type pillarView struct {
	Position string
	Name     string
	Stem     string
	Branch   string
}

type elementView struct {
	Name  string
	Count int
	Share string
}

type reportView struct {
	Title      string
	OrderID    string
	IssuedAt   string
	AmountPaid string
	BirthDate  string
	BirthHour  string
	Gender     string
	Pillars    []pillarView
	Elements   []elementView
	Summary    []string
}

// Build writes order_{id}.html and order_{id}.pdf under the output directory
// and emails the PDF when the job carries an address. Mail failures are
// logged and do not fail the build.
func (b *Builder) Build(ctx context.Context, job domain.Job) (domain.Artifacts, error) {
	log := logger.WithContext(ctx, b.log).With(zap.String("order_id", job.OrderID.String()))

	birth, chart, err := saju.FromKey(job.SajuKey)
	if err != nil {
		return domain.Artifacts{}, fmt.Errorf("parse saju key: %w", err)
	}
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return domain.Artifacts{}, fmt.Errorf("create report dir: %w", err)
	}

	base := filepath.Join(b.outputDir, "order_"+job.OrderID.String())
	artifacts := domain.Artifacts{HTMLPath: base + ".html", PDFPath: base + ".pdf"}
	issuedAt := b.clock.Now().Format("2006-01-02")

	var html bytes.Buffer
	if err := reportTemplate.Execute(&html, koreanView(job, birth, chart, issuedAt)); err != nil {
		return domain.Artifacts{}, fmt.Errorf("render html: %w", err)
	}
	if err := os.WriteFile(artifacts.HTMLPath, html.Bytes(), 0o644); err != nil {
		return domain.Artifacts{}, fmt.Errorf("write html: %w", err)
	}

	doc, err := b.pdf.GenerateReport(ctx, pdfData(job, birth, chart, issuedAt))
	if err != nil {
		return domain.Artifacts{}, fmt.Errorf("render pdf: %w", err)
	}
	pdfBytes, err := io.ReadAll(doc)
	if err != nil {
		return domain.Artifacts{}, fmt.Errorf("read pdf: %w", err)
	}
	if err := os.WriteFile(artifacts.PDFPath, pdfBytes, 0o644); err != nil {
		return domain.Artifacts{}, fmt.Errorf("write pdf: %w", err)
	}

	if to := strings.TrimSpace(job.Email); to != "" {
		err := b.email.SendTemplate(ctx, []string{to}, "report_ready", map[string]any{
			"OrderID":   job.OrderID.String(),
			"ItemName":  job.ItemName,
			"Pillars":   pillarLine(chart),
			"ReportURL": b.reportURL(artifacts.HTMLPath),
		}, email.Attachment{
			Name:        filepath.Base(artifacts.PDFPath),
			ContentType: "application/pdf",
			Data:        pdfBytes,
		})
		if err != nil {
			log.Warn("failed to email report", zap.Error(err))
		}
	}

	log.Info("report rendered", zap.String("html_path", artifacts.HTMLPath), zap.String("pdf_path", artifacts.PDFPath))
	return artifacts, nil
}

func (b *Builder) reportURL(htmlPath string) string {
	if b.siteURL == "" {
		return ""
	}
	return b.siteURL + "/" + filepath.ToSlash(htmlPath)
}

func koreanView(job domain.Job, birth saju.Birth, chart saju.Chart, issuedAt string) reportView {
	view := reportView{
		Title:      titleOr(job.ItemName, "사주 리포트"),
		OrderID:    job.OrderID.String(),
		IssuedAt:   issuedAt,
		AmountPaid: formatKRW(job.Amount, "원", false),
		BirthDate:  birth.Date.Format("2006-01-02"),
		BirthHour:  hourLabel(birth, "시", "모름"),
		Gender:     genderKR[birth.Gender],
	}
	for i, p := range chart.Pillars() {
		view.Pillars = append(view.Pillars, pillarView{
			Position: positionsKR[i],
			Name:     p.String(),
			Stem:     string(p.StemElement()),
			Branch:   string(p.BranchElement()),
		})
	}
	view.Elements = elementViews(chart, func(e saju.Element) string { return string(e) })

	dominant := chart.Dominant()
	view.Summary = append(view.Summary, fmt.Sprintf("가장 강한 기운은 %s입니다. %s", dominant, elementReadingKR[dominant]))
	if missing := chart.Missing(); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, e := range missing {
			names = append(names, string(e))
		}
		view.Summary = append(view.Summary, fmt.Sprintf("%s의 기운이 없어 보완이 필요합니다.", strings.Join(names, ", ")))
	} else {
		view.Summary = append(view.Summary, "오행이 고르게 갖추어져 있습니다.")
	}
	return view
}

func pdfData(job domain.Job, birth saju.Birth, chart saju.Chart, issuedAt string) pdf.ReportData {
	data := pdf.ReportData{
		Title:      "Four Pillars Report",
		OrderID:    job.OrderID.String(),
		IssuedAt:   issuedAt,
		AmountPaid: formatKRW(job.Amount, "KRW ", true),
		BirthDate:  birth.Date.Format("2006-01-02"),
		BirthHour:  hourLabel(birth, ":00", "unknown"),
		Gender:     birth.Gender,
	}
	for i, p := range chart.Pillars() {
		data.Pillars = append(data.Pillars, pdf.PillarRow{
			Position: positionsEN[i],
			Name:     p.Roman(),
			Stem:     p.StemElement().English(),
			Branch:   p.BranchElement().English(),
		})
	}
	for _, v := range elementViews(chart, saju.Element.English) {
		data.Elements = append(data.Elements, pdf.ElementRow{Name: v.Name, Count: v.Count, Share: v.Share})
	}

	dominant := chart.Dominant()
	data.Summary = append(data.Summary, fmt.Sprintf("%s leads this chart. %s", dominant.English(), elementReadingEN[dominant]))
	if missing := chart.Missing(); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, e := range missing {
			names = append(names, e.English())
		}
		data.Summary = append(data.Summary, fmt.Sprintf("Missing: %s.", strings.Join(names, ", ")))
	}
	return data
}

func elementViews(chart saju.Chart, name func(saju.Element) string) []elementView {
	total := 0
	for _, n := range chart.Elements {
		total += n
	}
	views := make([]elementView, 0, len(saju.Elements))
	for _, e := range saju.Elements {
		share := decimal.Zero
		if total > 0 {
			share = decimal.NewFromInt(int64(chart.Elements[e])).
				Mul(decimal.NewFromInt(100)).
				Div(decimal.NewFromInt(int64(total)))
		}
		views = append(views, elementView{
			Name:  name(e),
			Count: chart.Elements[e],
			Share: share.StringFixed(1) + "%",
		})
	}
	return views
}

func pillarLine(chart saju.Chart) string {
	names := make([]string, 0, 4)
	for _, p := range chart.Pillars() {
		names = append(names, p.String())
	}
	return strings.Join(names, " ")
}

func hourLabel(b saju.Birth, suffix, unknown string) string {
	if b.Hour == nil {
		return unknown
	}
	return fmt.Sprintf("%02d%s", *b.Hour, suffix)
}

func titleOr(title, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

// formatKRW groups thousands, e.g. 1,900원 or KRW 1,900. Zero renders empty.
func formatKRW(amount int64, unit string, prefix bool) string {
	if amount <= 0 {
		return ""
	}
	digits := decimal.NewFromInt(amount).StringFixed(0)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if prefix {
		return unit + b.String()
	}
	return b.String() + unit
}
