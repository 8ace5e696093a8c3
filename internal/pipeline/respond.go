package pipeline

import (
	"fmt"
	"strings"

	"github.com/user/jotbot/internal/types"
)

// ComposeResponse maps a pipeline outcome to the acknowledgment text sent
// back to the user. Pure function, no I/O; duplicates compose to "" so
// replayed deliveries stay silent.
func ComposeResponse(o *Outcome) string {
	if o == nil {
		return ""
	}
	if o.Duplicate {
		return ""
	}

	switch o.Kind {
	case ResultCommand:
		return o.Reply

	case ResultSessionStarted:
		return fmt.Sprintf(
			"🧠 Brain dump session started!\n\nTags: %s\n\nSend your thoughts and I'll save them with these tags. Send /end when you're done.",
			hashTags(o.Session.Tags))

	case ResultSessionContinued:
		// Minimal ack to avoid interrupting the dump.
		return "✅"

	case ResultSessionEnded:
		return composeSessionEnd(o.Session)

	case ResultReminder:
		rem := o.Reminder
		repeat := ""
		if rem.Recurrence != types.RecurNone {
			repeat = fmt.Sprintf(" (repeating %s)", rem.Recurrence)
		}
		return fmt.Sprintf("⏰ Reminder set: %q on %s%s",
			rem.Title, rem.TriggerAt.Format("January 2, 2006 at 3:04 PM"), repeat)

	case ResultBirthday:
		b := o.Birthday
		date := fmt.Sprintf("%s %d", b.Month, b.Day)
		if b.YearKnown() {
			date = fmt.Sprintf("%s, %d", date, b.Year)
		}
		return fmt.Sprintf("🎂 I've saved %s's birthday on %s!", b.PersonName, date)
	}

	// Notes, including degraded classifications.
	var sb strings.Builder
	sb.WriteString("✅ Note saved!")
	if len(o.Tags) > 0 {
		sb.WriteString(" ")
		sb.WriteString(hashTags(o.Tags))
	} else if len(o.SuggestTags) > 0 {
		sb.WriteString(fmt.Sprintf("\n\nNo tags found. You often use: %s", hashTags(o.SuggestTags)))
	}
	if o.Status == StatusPartial && o.Failure != "" {
		sb.WriteString("\n\nI couldn't work out all the details, so I kept your exact words. You can edit it later.")
	}
	return sb.String()
}

// composeSessionEnd summarizes a closed session.
func composeSessionEnd(sess *types.Session) string {
	status := "completed"
	switch sess.Status {
	case types.SessionTimedOut:
		status = "timed out"
	case types.SessionCancelled:
		status = "cancelled"
	}
	return fmt.Sprintf("🧠 Brain dump session %s!\n\nSaved %d notes with tags: %s",
		status, sess.MessageCount, hashTags(sess.Tags))
}

func hashTags(tags []string) string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = "#" + t
	}
	return strings.Join(out, " ")
}
