package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/towncrier-bot/towncrier/internal/schedule"
	"github.com/towncrier-bot/towncrier/internal/telegram"
)

// German weekday names for message formatting.
var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "Sonntag",
	time.Monday:    "Montag",
	time.Tuesday:   "Dienstag",
	time.Wednesday: "Mittwoch",
	time.Thursday:  "Donnerstag",
	time.Friday:    "Freitag",
	time.Saturday:  "Samstag",
}

// formatCallTime renders an instant as German prose in the call's zone,
// e.g. "Donnerstag, 26.02. um 17:00 Uhr".
func formatCallTime(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	return fmt.Sprintf("%s, %02d.%02d. um %02d:%02d Uhr",
		weekdayNames[local.Weekday()],
		local.Day(), int(local.Month()),
		local.Hour(), local.Minute(),
	)
}

// formatCountdown renders the remaining time as German prose.
func formatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("in %d Tagen und %d Stunden", days, hours)
	case hours > 0:
		return fmt.Sprintf("in %d Stunden und %d Minuten", hours, minutes)
	default:
		return fmt.Sprintf("in %d Minuten", minutes)
	}
}

const startText = `Hallo! Ich bin der Towncrier und kümmere mich um den wöchentlichen Builder Call:
Erinnerungen vor dem Call, Themensammlung und die Ankündigung der Aufzeichnung.

Befehle: /status /nextcall /topics /addtopic /latestvideo`

const setupText = `Ich bin noch nicht eingerichtet: In der Konfiguration fehlt die chat_id.
Schick mir /chatid in der Zielgruppe und trag den Wert in die Konfiguration ein.`

const notPrivilegedText = "Diesen Befehl dürfen nur Gruppen-Admins verwenden."

// reminderMessage builds the MarkdownV2 reminder for one fire time.
// agendaText is already prose (or a bullet list) and gets escaped here.
// channelURL is appended as a link line when configured.
func reminderMessage(v schedule.Variant, anchor time.Time, loc *time.Location, cycle int, agendaText, channelURL string) string {
	when := telegram.EscapeMarkdownV2(formatCallTime(anchor, loc))
	agenda := telegram.EscapeMarkdownV2(agendaText)

	var sb strings.Builder
	switch v {
	case schedule.VariantFar:
		fmt.Fprintf(&sb, "📅 *Diese Woche ist wieder Builder Call \\#%d\\!*\n%s\\.", cycle, when)
	case schedule.VariantNear:
		fmt.Fprintf(&sb, "⏰ *Morgen ist Builder Call \\#%d\\!*\n%s\\.", cycle, when)
	default:
		fmt.Fprintf(&sb, "🔔 *Gleich geht's los: Builder Call \\#%d\\!*\n%s\\.", cycle, when)
	}
	sb.WriteString("\n\n")
	sb.WriteString(agenda)
	if channelURL != "" {
		sb.WriteString("\n\n🔗 YouTube Kanal: ")
		sb.WriteString(telegram.EscapeMarkdownV2(channelURL))
	}
	return sb.String()
}

// statusMessage summarizes the bot state for /status.
func statusMessage(cycle, topicCount int, anchor time.Time, loc *time.Location, pendingReminders int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Aktueller Call: #%d\n", cycle)
	fmt.Fprintf(&sb, "Gesammelte Themen: %d\n", topicCount)
	if !anchor.IsZero() {
		fmt.Fprintf(&sb, "Nächster Termin: %s\n", formatCallTime(anchor, loc))
	}
	fmt.Fprintf(&sb, "Ausstehende Erinnerungen: %d", pendingReminders)
	return sb.String()
}

// nextCallMessage answers /nextcall.
func nextCallMessage(anchor time.Time, loc *time.Location, now time.Time) string {
	return fmt.Sprintf("Der nächste Call ist am %s (%s).",
		formatCallTime(anchor, loc),
		formatCountdown(anchor.Sub(now)),
	)
}
