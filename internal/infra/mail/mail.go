// Package mail provides the outbound mail transports used by the
// notification dispatcher.
package mail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

// Config configures the SMTP transport.
type Config struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	FromName string `toml:"from_name"`
	Timeout  time.Duration
}

// Configured reports whether SMTP credentials are present.
func (c Config) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

// New returns the SMTP transport when cfg is configured, otherwise a
// transport that only logs.
func New(cfg Config, logger *zap.Logger) (domain.Mailer, error) {
	if !cfg.Configured() {
		logger.Warn("SMTP credentials not configured, emails will be logged only")
		return NewLogMailer(logger), nil
	}
	return NewSMTPMailer(cfg, logger)
}

// ─── SMTP ───────────────────────────────────────────────────────────────────

// SMTPMailer delivers messages over SMTP.
type SMTPMailer struct {
	cfg    Config
	client *gomail.Client
	logger *zap.Logger
}

// NewSMTPMailer builds an SMTP client. Port 465 uses implicit TLS, any other
// port requires STARTTLS.
func NewSMTPMailer(cfg Config, logger *zap.Logger) (*SMTPMailer, error) {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
		gomail.WithTimeout(cfg.Timeout),
	}
	if cfg.Port == 465 {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPMailer{cfg: cfg, client: client, logger: logger.Named("mail")}, nil
}

// Send delivers msg and returns its Message-ID.
func (m *SMTPMailer) Send(ctx context.Context, msg domain.MailMessage) (string, error) {
	gm, err := m.build(msg)
	if err != nil {
		return "", err
	}
	if err := m.client.DialAndSendWithContext(ctx, gm); err != nil {
		return "", fmt.Errorf("send to %s: %w", msg.To, err)
	}

	id := ""
	if ids := gm.GetGenHeader(gomail.HeaderMessageID); len(ids) > 0 {
		id = strings.Trim(ids[0], "<>")
	}
	m.logger.Info("mail sent", zap.String("to", msg.To), zap.String("message_id", id))
	return id, nil
}

func (m *SMTPMailer) build(msg domain.MailMessage) (*gomail.Msg, error) {
	gm := gomail.NewMsg()
	if m.cfg.FromName != "" {
		if err := gm.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
	} else if err := gm.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := gm.To(msg.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	gm.Subject(msg.Subject)
	gm.SetMessageID()
	gm.SetDate()
	gm.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		gm.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}
	return gm, nil
}

// ─── Log Only ───────────────────────────────────────────────────────────────

// LogMailer records messages in the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewLogMailer returns a transport that only logs.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mail"), now: time.Now}
}

// Send logs msg and returns a synthetic "mock-<unix nano>" ID.
func (m *LogMailer) Send(ctx context.Context, msg domain.MailMessage) (string, error) {
	id := "mock-" + strconv.FormatInt(m.now().UnixNano(), 10)
	m.logger.Info("would send email (SMTP not configured)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id))
	return id, nil
}
