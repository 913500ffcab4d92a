// Package notify tells owners their inspection report is ready.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/metrics"
)

// Config configures report links.
type Config struct {
	FrontendURL string        // base of links in emails
	LinkTTL     time.Duration // direct-access token lifetime; 0 uses the token default
}

// TokenMinter issues direct-access tokens for a report.
type TokenMinter interface {
	Mint(ctx context.Context, userID, reportID string, ttl time.Duration) (*domain.UserToken, error)
}

var _ domain.Notifier = (*Dispatcher)(nil)

// Dispatcher sends report-ready emails.
type Dispatcher struct {
	cfg    Config
	mailer domain.Mailer
	tokens TokenMinter // nil sends plain report links
	logger *zap.Logger
}

// New returns a dispatcher. tokens may be nil.
func New(cfg Config, mailer domain.Mailer, tokens TokenMinter, logger *zap.Logger) *Dispatcher {
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = "http://localhost:5173"
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	return &Dispatcher{cfg: cfg, mailer: mailer, tokens: tokens, logger: logger.Named("notify")}
}

// Notify emails to a link to the report.
func (d *Dispatcher) Notify(ctx context.Context, to domain.Recipient, ref domain.ReportRef) error {
	if to.Email == "" {
		return fmt.Errorf("notify report %s: recipient has no email", ref.ReportID)
	}

	link := d.reportLink(ctx, to, ref)
	html, text, err := renderReportReady(to.Name, link)
	if err != nil {
		metrics.NotificationsFailed.Inc()
		return fmt.Errorf("render email: %w", err)
	}

	id, err := d.mailer.Send(ctx, domain.MailMessage{
		To:      to.Email,
		Subject: ReportReadySubject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		metrics.NotificationsFailed.Inc()
		return fmt.Errorf("send report email: %w", err)
	}

	metrics.NotificationsSent.Inc()
	d.logger.Info("report email sent",
		zap.String("task_id", ref.TaskID),
		zap.String("report_id", ref.ReportID),
		zap.String("message_id", id))
	return nil
}

// reportLink prefers a single-use direct-access link and falls back to the
// plain report page.
func (d *Dispatcher) reportLink(ctx context.Context, to domain.Recipient, ref domain.ReportRef) string {
	plain := d.cfg.FrontendURL + "/reports/" + url.PathEscape(ref.ReportID)
	if d.tokens == nil || to.UserID == "" {
		return plain
	}
	tok, err := d.tokens.Mint(ctx, to.UserID, ref.ReportID, d.cfg.LinkTTL)
	if err != nil {
		d.logger.Warn("direct-access token failed, using report link",
			zap.String("report_id", ref.ReportID), zap.Error(err))
		return plain
	}
	return d.cfg.FrontendURL + "/direct-access?token=" + url.QueryEscape(tok.Token)
}
