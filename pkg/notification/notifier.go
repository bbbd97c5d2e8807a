package notification

type NoticeType string

// NoticeTemplate holds the subject and bodies for one notice on one system. Text and
// Html are text/template and html/template sources executed against NotificationData.Data.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

type NotificationData struct {
	To      string            // Recipient identifier (e.g., email address)
	Subject string            // Optional: overrides the template subject
	Body    string            // Plain message used when the template has no text body
	Data    map[string]string // Template values
}

type Notifier interface {
	Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error
}

const (
	StepUpInitiated  NoticeType = "stepup_initiated"
	StepUpCompleted  NoticeType = "stepup_completed"
	NewDeviceSignIn  NoticeType = "new_device_signin"
	DeviceCodeNotice NoticeType = "device_code"

	ExampleNotice NoticeType = "example"
)
