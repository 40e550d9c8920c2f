package builder_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/builder"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/providers/email"
	"github.com/smallbiznis/fortunepay/internal/providers/pdf"
	"github.com/smallbiznis/fortunepay/internal/saju"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mailerMock struct {
	mock.Mock
}

func (m *mailerMock) Send(ctx context.Context, msg email.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mailerMock) SendTemplate(ctx context.Context, to []string, templateName string, data any, attachments ...email.Attachment) error {
	return m.Called(ctx, to, templateName, data, attachments).Error(0)
}

func newBuilder(t *testing.T, mailer email.Provider) (*builder.Builder, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "reports")
	return builder.NewBuilder(builder.Params{
		Cfg:   config.Config{SiteURL: "https://fortune.example.com", Report: config.ReportConfig{OutputDir: dir}},
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		PDF:   pdf.New(),
		Email: mailer,
	}), dir
}

func TestBuildWritesArtifactsAndMails(t *testing.T) {
	mailer := &mailerMock{}
	mailer.On("SendTemplate", mock.Anything, []string{"buyer@example.com"}, "report_ready", mock.Anything, mock.Anything).
		Return(nil).Once()
	b, dir := newBuilder(t, mailer)

	artifacts, err := b.Build(context.Background(), domain.Job{
		JobID:    "job-1",
		OrderID:  1234,
		SajuKey:  "1984-06-01_20_male",
		Email:    "buyer@example.com",
		ItemName: "AI 사주 심층 리포트",
		Amount:   1900,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "order_1234.html"), artifacts.HTMLPath)
	assert.Equal(t, filepath.Join(dir, "order_1234.pdf"), artifacts.PDFPath)

	html, err := os.ReadFile(artifacts.HTMLPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "甲子")
	assert.Contains(t, string(html), "戊戌")
	assert.Contains(t, string(html), "1,900원")
	assert.Contains(t, string(html), "37.5%")

	doc, err := os.ReadFile(artifacts.PDFPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(doc[:4]))

	mailer.AssertExpectations(t)
	call := mailer.Calls[0]
	data := call.Arguments.Get(3).(map[string]any)
	assert.Equal(t, "甲子 己巳 丙寅 戊戌", data["Pillars"])
	attachments := call.Arguments.Get(4).([]email.Attachment)
	require.Len(t, attachments, 1)
	assert.Equal(t, "order_1234.pdf", attachments[0].Name)
	assert.Equal(t, doc, attachments[0].Data)
}

func TestBuildWithoutEmailSkipsMail(t *testing.T) {
	mailer := &mailerMock{}
	b, _ := newBuilder(t, mailer)

	_, err := b.Build(context.Background(), domain.Job{OrderID: 1, SajuKey: "1990-05-17_unknown_female"})
	require.NoError(t, err)
	mailer.AssertNotCalled(t, "SendTemplate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBuildToleratesMailFailure(t *testing.T) {
	mailer := &mailerMock{}
	mailer.On("SendTemplate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("smtp down"))
	b, _ := newBuilder(t, mailer)

	artifacts, err := b.Build(context.Background(), domain.Job{OrderID: 2, SajuKey: "1990-05-17_14_female", Email: "x@example.com"})
	require.NoError(t, err)
	assert.FileExists(t, artifacts.PDFPath)
}

func TestBuildRejectsBadSajuKey(t *testing.T) {
	b, dir := newBuilder(t, &email.NoOpProvider{})

	_, err := b.Build(context.Background(), domain.Job{OrderID: 3, SajuKey: "not-a-key"})
	require.ErrorIs(t, err, saju.ErrInvalidKey)
	assert.NoFileExists(t, filepath.Join(dir, "order_3.html"))
}
