package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, notifier Notifier) *NotificationManager {
	t.Helper()
	nm, err := NewNotificationManager("https://example.com",
		WithNotifier(EmailSystem, notifier),
		WithDefaultTemplates(),
	)
	require.NoError(t, err)
	return nm
}

func TestDispatcherResolvesRecipient(t *testing.T) {
	mock := &MockNotifier{}
	userID := uuid.New()
	d := NewDispatcher(newTestManager(t, mock), func(ctx context.Context, id uuid.UUID) (string, error) {
		if id == userID {
			return "user@example.com", nil
		}
		return "", errors.New("unknown user")
	}, 4)

	d.Notify(context.Background(), Alert{
		Type:    StepUpCompleted,
		UserID:  userID,
		Title:   "Verification completed",
		Message: "You verified your identity.",
		Context: map[string]string{"Action": "disable_2fa", "Method": "authenticator"},
	})
	d.Notify(context.Background(), Alert{Type: StepUpCompleted, UserID: uuid.New()})
	d.Close()

	sent := mock.Sent()
	require.Len(t, sent, 1, "alerts for unresolvable users are dropped")
	assert.Equal(t, "user@example.com", sent[0].Notification.To)
	assert.Equal(t, "You verified your identity.", sent[0].Content.Text)
	assert.Contains(t, sent[0].Content.Html, "disable_2fa")
}

func TestDispatcherSwallowsDeliveryFailures(t *testing.T) {
	mock := &MockNotifier{Err: errors.New("smtp down")}
	d := NewDispatcher(newTestManager(t, mock), nil, 1)

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Alert{Type: NewDeviceSignIn, To: "user@example.com"})
		d.Close()
	})
	assert.Empty(t, mock.Sent())
}

func TestDispatcherNotifyAfterClose(t *testing.T) {
	mock := &MockNotifier{}
	d := NewDispatcher(newTestManager(t, mock), nil, 1)
	d.Close()
	d.Close()

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Alert{Type: NewDeviceSignIn, To: "user@example.com"})
	})
	assert.Empty(t, mock.Sent())
}
