package stepup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/notification"
)

func deviceContext(s model.DeviceSession) map[string]string {
	desc := s.Descriptor()
	return map[string]string{
		"SessionID":  s.ID,
		"DeviceName": desc.Name,
		"Browser":    desc.Browser,
		"OS":         desc.OperatingSystem,
		"IPAddress":  desc.IPAddress,
	}
}

func stepUpInitiatedAlert(s model.DeviceSession, action string) notification.Alert {
	ctx := deviceContext(s)
	ctx["Action"] = action
	return notification.Alert{
		Type:    notification.StepUpInitiated,
		UserID:  s.UserID,
		Title:   "Verification requested",
		Message: fmt.Sprintf("We asked to confirm your identity before %s.", action),
		Context: ctx,
	}
}

func stepUpCompletedAlert(s model.DeviceSession, action string, method model.MethodKind) notification.Alert {
	ctx := deviceContext(s)
	ctx["Action"] = action
	ctx["Method"] = string(method)
	return notification.Alert{
		Type:    notification.StepUpCompleted,
		UserID:  s.UserID,
		Title:   "Verification completed",
		Message: fmt.Sprintf("Your identity was confirmed before %s.", action),
		Context: ctx,
	}
}

func newDeviceAlert(s model.DeviceSession, level model.ConfidenceLevel) notification.Alert {
	ctx := deviceContext(s)
	ctx["ConfidenceLevel"] = string(level)
	return notification.Alert{
		Type:    notification.NewDeviceSignIn,
		UserID:  s.UserID,
		Title:   "New sign-in to your account",
		Message: "Your account was signed in to from a device we did not recognize.",
		Context: ctx,
	}
}

func deviceCodeAlert(s model.DeviceSession, code string, expiresAt string) notification.Alert {
	return notification.Alert{
		Type:    notification.DeviceCodeNotice,
		UserID:  s.UserID,
		Title:   "Your verification code",
		Message: "Use this code to verify your device.",
		Context: map[string]string{"Code": code, "ExpiresAt": expiresAt},
	}
}

type noopAlerter struct{}

func (noopAlerter) Notify(context.Context, notification.Alert) {}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, uuid.UUID, model.EventType, string, map[string]string) {}
