package notification

import (
	"bytes"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Content is a rendered notice.
type Content struct {
	Subject string
	Text    string
	Html    string
}

// Render executes the template bodies against notification.Data. A subject set on
// the notification wins over the template subject, and Body is used as the text
// part when the template has none.
func Render(tmpl NoticeTemplate, notification NotificationData) (Content, error) {
	content := Content{Subject: tmpl.Subject, Text: notification.Body}
	if notification.Subject != "" {
		content.Subject = notification.Subject
	}

	if tmpl.Text != "" {
		t, err := texttemplate.New("text").Option("missingkey=zero").Parse(tmpl.Text)
		if err != nil {
			return Content{}, err
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, notification.Data); err != nil {
			return Content{}, err
		}
		content.Text = buf.String()
	}

	if tmpl.Html != "" {
		t, err := htmltemplate.New("html").Option("missingkey=zero").Parse(tmpl.Html)
		if err != nil {
			return Content{}, err
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, notification.Data); err != nil {
			return Content{}, err
		}
		content.Html = buf.String()
	}
	return content, nil
}
