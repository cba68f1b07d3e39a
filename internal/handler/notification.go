package handler

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// ErrEmailNotConfigured is returned when no SMTP server is configured
var ErrEmailNotConfigured = errors.New("email is not configured")

// EmailConfig holds the SMTP server settings
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers send_email actions over SMTP
type EmailSender struct {
	logger   *zap.Logger
	config   EmailConfig
	sendMail sendMailFunc
}

// NewEmailSender creates a sender. An empty host leaves it unconfigured.
func NewEmailSender(logger *zap.Logger, config EmailConfig) *EmailSender {
	return &EmailSender{
		logger:   logger.Named("email"),
		config:   config,
		sendMail: smtp.SendMail,
	}
}

// Send delivers a plain text message to recipient
func (h *EmailSender) Send(ctx context.Context, recipient, subject, body string) error {
	if h.config.Host == "" {
		return ErrEmailNotConfigured
	}
	if recipient == "" || strings.ContainsAny(recipient, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid recipient or subject")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if h.config.Username != "" {
		auth = smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		h.config.From,
		recipient,
		subject,
		body)

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	if err := h.sendMail(addr, auth, h.config.From, []string{recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	h.logger.Info("Sent email",
		zap.String("to", recipient),
		zap.String("subject", subject))
	return nil
}
