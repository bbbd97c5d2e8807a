package notification

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	From     string
}

type EmailNotifier struct {
	SMTPConfig SMTPConfig
	client     *mail.Client
}

func NewEmailNotifier(config SMTPConfig) (*EmailNotifier, error) {
	if config.Host == "" || config.From == "" {
		return nil, fmt.Errorf("smtp host and from address are required")
	}
	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTimeout(30 * time.Second),
	}

	// Only add authentication if username and password are provided
	if config.Username != "" && config.Password != "" {
		slog.Info("Adding authentication", "user", config.Username)
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}

	if config.TLS {
		slog.Info("Using TLS Mandatory policy")
		opts = append(opts,
			mail.WithTLSConfig(&tls.Config{ServerName: config.Host, MinVersion: tls.VersionTLS12}),
			mail.WithTLSPolicy(mail.TLSMandatory),
		)
	} else {
		slog.Info("Using NoTLS policy")
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	slog.Info("Creating mail client", "Host", config.Host, "Port", config.Port)
	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		slog.Error("Failed to create mail client", "err", err)
		return nil, err
	}

	return &EmailNotifier{SMTPConfig: config, client: client}, nil
}

func (e *EmailNotifier) Send(noticeType NoticeType, notification NotificationData, noticeTemplate NoticeTemplate) error {
	if notification.To == "" {
		return fmt.Errorf("email notification requires 'To' address")
	}

	content, err := Render(noticeTemplate, notification)
	if err != nil {
		slog.Error("Failed to render email", "type", noticeType, "err", err)
		return err
	}

	msg := mail.NewMsg()
	if err := msg.From(e.SMTPConfig.From); err != nil {
		slog.Error("Failed to set from address", "err", err)
		return err
	}
	if err := msg.To(notification.To); err != nil {
		slog.Error("Failed to set to address", "err", err)
		return err
	}
	msg.Subject(content.Subject)

	switch {
	case content.Text != "" && content.Html != "":
		msg.SetBodyString(mail.TypeTextPlain, content.Text)
		msg.AddAlternativeString(mail.TypeTextHTML, content.Html)
	case content.Html != "":
		msg.SetBodyString(mail.TypeTextHTML, content.Html)
	default:
		msg.SetBodyString(mail.TypeTextPlain, content.Text)
	}

	if err := e.client.DialAndSend(msg); err != nil {
		slog.Error("Failed to send email", "type", noticeType, "err", err)
		return err
	}

	slog.Info("Email sent successfully", "type", noticeType, "host", e.SMTPConfig.Host, "port", e.SMTPConfig.Port)
	return nil
}
