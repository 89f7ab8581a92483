package notify

import (
	"fmt"
	"html"
	"time"

	"pillcloud/internal/models"
)

func name(d *models.Device) string {
	return "<b>" + html.EscapeString(d.DisplayName()) + "</b>"
}

func Online(d *models.Device) string {
	return fmt.Sprintf("✅ %s is back online", name(d))
}

func Offline(d *models.Device, lastSeen *time.Time) string {
	if lastSeen == nil {
		return fmt.Sprintf("📴 %s went offline", name(d))
	}
	return fmt.Sprintf("📴 %s went offline (last seen %s UTC)", name(d), lastSeen.UTC().Format("2006-01-02 15:04:05"))
}

func Alarm(d *models.Device, detail string) string {
	msg := fmt.Sprintf("🚨 Alarm on %s", name(d))
	if detail != "" {
		msg += ": " + html.EscapeString(detail)
	}
	return msg
}

func DoseMissed(d *models.Device, compartment *int, scheduled string) string {
	msg := fmt.Sprintf("⚠️ Missed dose on %s", name(d))
	if compartment != nil {
		msg += fmt.Sprintf(", compartment %d", *compartment)
	}
	if scheduled != "" {
		msg += " (scheduled " + html.EscapeString(scheduled) + ")"
	}
	return msg
}

func RebootRequested(d *models.Device) string {
	return fmt.Sprintf("🔄 Reboot requested for %s", name(d))
}

func Registered(d *models.Device) string {
	return fmt.Sprintf("🆕 New dispenser registered: %s", name(d))
}
