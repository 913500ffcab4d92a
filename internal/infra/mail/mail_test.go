package mail

import (
	"context"
	"strings"
	"testing"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap/zaptest"

	"github.com/car-repair/estimator/internal/domain"
)

func TestNew_FallsBackToLogMailer(t *testing.T) {
	m, err := New(Config{Host: "smtp.example.com"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, ok := m.(*LogMailer); !ok {
		t.Errorf("New() = %T, want *LogMailer", m)
	}
}

func TestNew_SMTPWhenConfigured(t *testing.T) {
	m, err := New(Config{Host: "smtp.example.com", Username: "u", Password: "p"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	sm, ok := m.(*SMTPMailer)
	if !ok {
		t.Fatalf("New() = %T, want *SMTPMailer", m)
	}
	if sm.cfg.Port != 587 {
		t.Errorf("Port = %d, want 587", sm.cfg.Port)
	}
	if sm.cfg.From != "u" {
		t.Errorf("From = %q, want username fallback", sm.cfg.From)
	}
}

func TestLogMailer_MockID(t *testing.T) {
	m := NewLogMailer(zaptest.NewLogger(t))
	m.now = func() time.Time { return time.Unix(0, 42) }

	id, err := m.Send(context.Background(), domain.MailMessage{To: "a@example.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "mock-42" {
		t.Errorf("id = %q, want mock-42", id)
	}
}

func TestSMTPMailer_BuildMessage(t *testing.T) {
	m, err := NewSMTPMailer(Config{
		Host: "smtp.example.com", Username: "robot@example.com", Password: "p", FromName: "Car RepAIr",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSMTPMailer() error: %v", err)
	}

	gm, err := m.build(domain.MailMessage{
		To: "owner@example.com", Subject: "Report ready", HTML: "<p>hi</p>", Text: "hi",
	})
	if err != nil {
		t.Fatalf("build() error: %v", err)
	}
	if got := gm.GetToString(); len(got) != 1 || !strings.Contains(got[0], "owner@example.com") {
		t.Errorf("To = %v", got)
	}
	if ids := gm.GetGenHeader(gomail.HeaderMessageID); len(ids) != 1 {
		t.Errorf("Message-ID header = %v, want one", ids)
	}
	if _, err := m.build(domain.MailMessage{To: "not an address"}); err == nil {
		t.Error("build() should reject an invalid recipient")
	}
}
