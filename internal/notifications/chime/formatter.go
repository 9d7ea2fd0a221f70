package chime

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"chimenotify/internal/types"
)

// markdownPrefix switches a Chime message to markdown rendering.
const markdownPrefix = "/md "

// Mention notifies everyone present in the Chime room.
const Mention = "@Present"

var severityEmoji = map[types.Severity]string{
	types.SeverityInfo:    "🛠️",
	types.SeveritySuccess: "✅",
	types.SeverityError:   "🔥",
}

// Formatter renders build events as Chime markdown. It holds only
// configuration, so one instance is shared by all goroutines.
type Formatter struct {
	// RootURL is the CI server base URL used to build a link when the event
	// carries none.
	RootURL string
	// ContentField is used when the options do not name one.
	ContentField string
}

// NewFormatter creates a Formatter.
func NewFormatter(rootURL, contentField string) *Formatter {
	return &Formatter{
		RootURL:      strings.TrimRight(rootURL, "/"),
		ContentField: contentField,
	}
}

// Format builds the payload for event. It is deterministic: the output
// depends only on its arguments and the Formatter's configuration.
func (f *Formatter) Format(event types.BuildEvent, opts types.DisplayOptions) types.ChimePayload {
	severity := event.Status.Severity()

	var b strings.Builder
	b.WriteString(markdownPrefix)
	b.WriteString(f.heading(event, opts, severity))

	if opts.MentionOnFailure && severity == types.SeverityError {
		b.WriteString("\n")
		b.WriteString(Mention)
	}

	if opts.IncludeLink {
		if link := f.buildLink(event); link != "" {
			fmt.Fprintf(&b, "\n[View build](%s)", link)
		}
	}

	if opts.IncludeDuration {
		if d := event.Duration(); d > 0 {
			fmt.Fprintf(&b, "\nDuration: %s", formatDuration(d))
		}
	}

	if opts.Verbose || severity == types.SeverityInfo {
		if event.TriggeredBy != "" {
			fmt.Fprintf(&b, "\nTriggered by: %s", event.TriggeredBy)
		}
		if len(event.Changes) > 0 {
			b.WriteString("\n")
			b.WriteString(changeTable(event.Changes))
		}
	}

	field := opts.ContentField
	if field == "" {
		field = f.ContentField
	}

	return types.ChimePayload{
		ContentField: field,
		Content:      b.String(),
	}
}

// heading renders "### <emoji> <name> #<n>: <STATUS> (<text>)".
func (f *Formatter) heading(event types.BuildEvent, opts types.DisplayOptions, severity types.Severity) string {
	var b strings.Builder
	b.WriteString("### ")
	b.WriteString(severityEmoji[severity])
	b.WriteString(" ")
	b.WriteString(event.FullName())
	if opts.IncludeBuildNumber {
		b.WriteString(" #")
		b.WriteString(event.BuildNumber)
	}
	fmt.Fprintf(&b, ": %s (%s)", event.Status, event.Status.Text())
	return b.String()
}

// buildLink prefers the URL sent with the event, then a viewLog link built
// from RootURL.
func (f *Formatter) buildLink(event types.BuildEvent) string {
	if event.WebURL != "" {
		return event.WebURL
	}
	if f.RootURL == "" || event.BuildConfigID == "" {
		return ""
	}
	q := url.Values{}
	q.Set("buildNumber", event.BuildNumber)
	q.Set("buildTypeId", event.BuildConfigID)
	return f.RootURL + "/viewLog.html?" + q.Encode()
}

func changeTable(changes []types.Change) string {
	var b strings.Builder
	b.WriteString("| Author | Description |\n|-|-|")

	shown := changes
	if len(shown) > types.MaxChangesRendered {
		shown = shown[:types.MaxChangesRendered]
	}
	for _, c := range shown {
		author := c.Author
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(&b, "\n| %s | %s |", escapeCell(author), escapeCell(firstLine(c.Description)))
	}
	if extra := len(changes) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "\n...and %d more", extra)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// formatDuration rounds to whole seconds; sub-second builds show as "<1s".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}
