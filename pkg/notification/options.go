package notification

import (
	"embed"
	"log/slog"
)

//go:embed templates/*
var templateFiles embed.FS

func loadTemplate(filename string) string {
	content, err := templateFiles.ReadFile(filename)
	if err != nil {
		slog.Error("Error reading template file!", "err", err, "filename", filename)
		return ""
	}
	return string(content)
}

// WithSMTP adds an email notifier with the provided SMTP configuration
func WithSMTP(config SMTPConfig) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		emailNotifier, err := NewEmailNotifier(config)
		if err != nil {
			return err
		}
		nm.RegisterNotifier(EmailSystem, emailNotifier)
		return nil
	}
}

// WithNotifier registers an arbitrary notifier for system.
func WithNotifier(system NotificationSystem, notifier Notifier) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		nm.RegisterNotifier(system, notifier)
		return nil
	}
}

func WithStepUpInitiatedTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(StepUpInitiated, EmailSystem, NoticeTemplate{
			Subject: "Verification requested",
			Text:    "{{.Message}}",
			Html:    loadTemplate("templates/email/stepup_initiated.html"),
		})
	}
}

func WithStepUpCompletedTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(StepUpCompleted, EmailSystem, NoticeTemplate{
			Subject: "Verification completed",
			Text:    "{{.Message}}",
			Html:    loadTemplate("templates/email/stepup_completed.html"),
		})
	}
}

func WithNewDeviceSignInTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(NewDeviceSignIn, EmailSystem, NoticeTemplate{
			Subject: "New sign-in to your account",
			Text:    "{{.Message}} Device: {{.DeviceName}}, {{.Browser}} on {{.OS}}.",
			Html:    loadTemplate("templates/email/new_device_signin.html"),
		})
	}
}

func WithDeviceCodeTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(DeviceCodeNotice, EmailSystem, NoticeTemplate{
			Subject: "Your verification code",
			Text:    "Your verification code is {{.Code}}. It expires at {{.ExpiresAt}}.",
			Html:    loadTemplate("templates/email/device_code.html"),
		})
	}
}

// WithDefaultTemplates registers every built-in template.
func WithDefaultTemplates() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		for _, opt := range []NotificationManagerOption{
			WithStepUpInitiatedTemplate(),
			WithStepUpCompletedTemplate(),
			WithNewDeviceSignInTemplate(),
			WithDeviceCodeTemplate(),
		} {
			if err := opt(nm); err != nil {
				return err
			}
		}
		return nil
	}
}
