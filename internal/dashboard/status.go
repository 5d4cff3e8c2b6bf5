package dashboard

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tabletoptime/chatbridge/internal/store"
)

const (
	dateFormat = "Mon, Jan 2"
	timeFormat = "3:04 PM MST"
)

func eventLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BuildStatusMessage renders the live voting dashboard: participant count,
// a per-slot yes/maybe breakdown, and the voting link.
func BuildStatusMessage(board *store.EventBoard, base string) string {
	ev := board.Event
	loc := eventLocation(ev.Timezone)

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>%s</b>\n\n", ev.Title)
	fmt.Fprintf(&b, "👥 <b>Participants:</b> %d\n\n", board.ParticipantCount)
	b.WriteString("<b>Current Votes:</b>\n")

	for _, tally := range board.Slots {
		start := tally.Slot.StartTime.In(loc)

		// A "perfect" slot meets the player quota with unanimous attendance
		perfect := tally.Yes >= ev.MinPlayers &&
			tally.Yes == board.ParticipantCount &&
			board.ParticipantCount > 0
		prefix := "▫️ "
		if perfect {
			prefix = "🌟 "
		}

		fmt.Fprintf(&b, "%s<b>%s @ %s</b>\n", prefix,
			start.Format(dateFormat), start.Format(timeFormat))
		fmt.Fprintf(&b, "   ✅ %d  ⚠️ %d\n", tally.Yes, tally.Maybe)
	}

	fmt.Fprintf(&b, "\n<a href=\"%s/e/%s\">🔗 Vote Here</a>", base, ev.Slug)
	return b.String()
}

// BuildFinalizedMessage renders the decision summary that supersedes the
// voting dashboard: date, time, host, location, and calendar links. host is
// the display name of whoever hosts, "" while still TBD.
func BuildFinalizedMessage(ev *store.Event, slot *store.TimeSlot, host, base string) string {
	loc := eventLocation(ev.Timezone)
	start := slot.StartTime.In(loc)

	eventURL := fmt.Sprintf("%s/e/%s", base, ev.Slug)
	icsURL := fmt.Sprintf("%s/api/event/%s/ics", base, ev.Slug)

	hostName := host
	if hostName == "" {
		hostName = "TBD"
	}
	description := ev.Description
	if description != "" {
		description += "\n\n"
	}
	description += "Hosted by " + hostName + ".\nView Event: " + eventURL

	gcalURL := googleCalendarURL(ev.Title, description, ev.Location,
		slot.StartTime, slot.EndTime)

	hostString := ""
	if host != "" {
		hostString = fmt.Sprintf("\n🏠 Hosted by <b>%s</b>", host)
	}
	locString := ""
	if ev.Location != "" {
		locString = fmt.Sprintf("\n📍 %s", ev.Location)
	}

	return fmt.Sprintf("🎉 <b>Event Finalized!</b>\n\n"+
		"<b>%s</b> is happening on:\n"+
		"📅 %s\n"+
		"⏰ %s%s%s\n\n"+
		"<a href=\"%s\">🔗 View Event Details</a>\n"+
		"<a href=\"%s\">📅 Add to Calendar (.ics)</a>\n"+
		"<a href=\"%s\">🗓️ Google Calendar</a>\n\n"+
		"See you there!",
		ev.Title, start.Format(dateFormat), start.Format(timeFormat),
		hostString, locString, eventURL, icsURL, gcalURL)
}

// googleCalendarURL builds a calendar.google.com template link.
func googleCalendarURL(title, description, location string, start, end time.Time) string {
	const stamp = "20060102T150405Z"
	q := url.Values{}
	q.Set("action", "TEMPLATE")
	q.Set("text", title)
	q.Set("dates", start.UTC().Format(stamp)+"/"+end.UTC().Format(stamp))
	if description != "" {
		q.Set("details", description)
	}
	if location != "" {
		q.Set("location", location)
	}
	return "https://calendar.google.com/calendar/render?" + q.Encode()
}
