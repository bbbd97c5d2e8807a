package devicesession

import (
	"time"

	"github.com/tendant/devicetrust/pkg/model"
)

// GraceExpired reports whether the session needs re-verification at now.
//
// The reference point is the last verification. A session that was created
// trusted and never verified since is measured from its creation; any other
// never-verified session is always expired. Exactly grace after the reference is
// still within the grace period.
func GraceExpired(s model.DeviceSession, now time.Time, grace time.Duration) bool {
	var ref time.Time
	switch {
	case s.LastVerified != nil:
		ref = *s.LastVerified
	case s.IsTrusted:
		ref = s.CreatedAt
	default:
		return true
	}
	return now.Sub(ref) > grace
}
