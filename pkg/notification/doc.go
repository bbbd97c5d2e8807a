// Package notification delivers user-facing notices: step-up verification alerts,
// new device sign-in alerts and device verification codes.
//
// A NotificationManager maps each NoticeType to a NoticeTemplate per
// NotificationSystem and sends through the registered Notifier for that system.
// EmailNotifier sends over SMTP with go-mail; MockNotifier records notices for tests.
//
//	nm, err := notification.NewNotificationManager("https://example.com",
//	    notification.WithSMTP(smtpConfig),
//	    notification.WithDefaultTemplates(),
//	)
//
// Dispatcher wraps a manager for best-effort delivery from request paths: Notify
// queues the alert and returns, and delivery failures are only logged.
//
//	d := notification.NewDispatcher(nm, lookupEmail, 128)
//	defer d.Close()
//	d.Notify(ctx, notification.Alert{Type: notification.NewDeviceSignIn, UserID: userID})
package notification
