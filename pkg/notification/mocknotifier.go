package notification

import "sync"

// MockNotifier records notifications instead of delivering them. Err, when set, is
// returned from every Send.
type MockNotifier struct {
	mu                sync.Mutex
	SentNotifications []SentNotification
	Err               error
}

type SentNotification struct {
	Type         NoticeType
	Notification NotificationData
	Content      Content
}

func (m *MockNotifier) Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error {
	content, err := Render(template, notification)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentNotifications = append(m.SentNotifications, SentNotification{
		Type:         noticeType,
		Notification: notification,
		Content:      content,
	})
	return nil
}

// Sent returns a copy of the recorded notifications.
func (m *MockNotifier) Sent() []SentNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentNotification, len(m.SentNotifications))
	copy(out, m.SentNotifications)
	return out
}
