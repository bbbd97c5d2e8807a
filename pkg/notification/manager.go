package notification

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// NotificationSystem represents a delivery channel (e.g., email, SMS).
type NotificationSystem string

const (
	EmailSystem NotificationSystem = "email"
	SMSSystem   NotificationSystem = "sms"
)

var ErrNoTemplate = errors.New("no template registered")

// NotificationManager manages notifiers and notification templates.
type NotificationManager struct {
	mu                   sync.RWMutex
	BaseUrl              string
	notifiers            map[NotificationSystem]Notifier
	notificationRegistry map[NoticeType]map[NotificationSystem]NoticeTemplate
}

// NotificationManagerOption is a function that configures a NotificationManager
type NotificationManagerOption func(*NotificationManager) error

// NewNotificationManager creates a manager. baseUrl is exposed to templates as
// {{.BaseUrl}}.
func NewNotificationManager(baseUrl string, opts ...NotificationManagerOption) (*NotificationManager, error) {
	nm := &NotificationManager{
		BaseUrl:              baseUrl,
		notifiers:            make(map[NotificationSystem]Notifier),
		notificationRegistry: make(map[NoticeType]map[NotificationSystem]NoticeTemplate),
	}
	for _, opt := range opts {
		if err := opt(nm); err != nil {
			return nil, err
		}
	}
	return nm, nil
}

// RegisterNotifier registers a notifier for a specific system.
func (nm *NotificationManager) RegisterNotifier(system NotificationSystem, notifier Notifier) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.notifiers[system] = notifier
}

// RegisterNotification adds or replaces the template for a notice type on a system.
func (nm *NotificationManager) RegisterNotification(noticeType NoticeType, system NotificationSystem, template NoticeTemplate) error {
	if noticeType == "" || system == "" {
		return fmt.Errorf("invalid input: notice type and system cannot be empty")
	}
	if template.Subject == "" {
		return fmt.Errorf("invalid template for %s: subject cannot be empty", noticeType)
	}
	if template.Text == "" && template.Html == "" {
		return fmt.Errorf("invalid template for %s: text or html body is required", noticeType)
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	if _, exists := nm.notificationRegistry[noticeType]; !exists {
		nm.notificationRegistry[noticeType] = make(map[NotificationSystem]NoticeTemplate)
	}
	nm.notificationRegistry[noticeType][system] = template
	return nil
}

// Send delivers the notice on every system that has both a template for noticeType
// and a registered notifier. Failures on one system do not stop the others.
func (nm *NotificationManager) Send(noticeType NoticeType, notification NotificationData) error {
	nm.mu.RLock()
	templates, exists := nm.notificationRegistry[noticeType]
	if !exists {
		nm.mu.RUnlock()
		return fmt.Errorf("notice type %s: %w", noticeType, ErrNoTemplate)
	}
	type target struct {
		system   NotificationSystem
		notifier Notifier
		template NoticeTemplate
	}
	var targets []target
	for system, template := range templates {
		notifier, ok := nm.notifiers[system]
		if !ok {
			continue
		}
		targets = append(targets, target{system, notifier, template})
	}
	nm.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("no notifier registered for notice type %s", noticeType)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].system < targets[j].system })

	data := make(map[string]string, len(notification.Data)+1)
	for k, v := range notification.Data {
		data[k] = v
	}
	if _, ok := data["BaseUrl"]; !ok {
		data["BaseUrl"] = nm.BaseUrl
	}
	notification.Data = data

	var errs []error
	for _, t := range targets {
		if err := t.notifier.Send(noticeType, notification, t.template); err != nil {
			slog.Error("Failed to send notification", "type", noticeType, "system", t.system, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.system, err))
		}
	}
	return errors.Join(errs...)
}
