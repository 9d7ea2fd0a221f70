package chime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Platform identifies the service behind a webhook URL. Chime-style
// receivers differ mainly in the JSON key they read the message from.
type Platform string

const (
	PlatformChime   Platform = "chime"
	PlatformSlack   Platform = "slack"
	PlatformDiscord Platform = "discord"
	PlatformGeneric Platform = "generic"
)

// DetectPlatform inspects the webhook host and path.
//
//   - hooks.chime.aws -> PlatformChime
//   - hooks.slack.com -> PlatformSlack
//   - discord.com/api/webhooks (and discordapp.com) -> PlatformDiscord
//   - anything else -> PlatformGeneric
func DetectPlatform(rawURL string) Platform {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PlatformGeneric
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	switch {
	case host == "hooks.chime.aws" || strings.HasSuffix(host, ".chime.aws"):
		return PlatformChime
	case host == "hooks.slack.com":
		return PlatformSlack
	case (host == "discord.com" || host == "discordapp.com") && strings.HasPrefix(path, "/api/webhooks"):
		return PlatformDiscord
	default:
		return PlatformGeneric
	}
}

// ContentField returns the JSON key the platform reads, or "" when unknown.
func (p Platform) ContentField() string {
	switch p {
	case PlatformChime:
		return "Content"
	case PlatformSlack:
		return "text"
	case PlatformDiscord:
		return "content"
	default:
		return ""
	}
}

// DetectContentField returns the JSON key for rawURL, falling back to the
// Chime default for unrecognized hosts.
func DetectContentField(rawURL string) string {
	if f := DetectPlatform(rawURL).ContentField(); f != "" {
		return f
	}
	return "Content"
}

// ResolveContentField picks the key for one delivery. An explicit
// per-subscriber override wins, then the platform detected from the URL,
// then the service-wide fallback.
func ResolveContentField(override, rawURL, fallback string) string {
	if override != "" {
		return override
	}
	if f := DetectPlatform(rawURL).ContentField(); f != "" {
		return f
	}
	if fallback != "" {
		return fallback
	}
	return "Content"
}

// validateResponse checks for soft failures where the receiver answers 2xx
// but the body reports an error. Slack returns plain "ok" on success and
// may return {"ok": false, "error": "..."}.
func validateResponse(p Platform, body []byte) error {
	if p != PlatformSlack {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	if bodyStr == "" || bodyStr == "ok" {
		return nil
	}

	var resp struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.OK != nil && !*resp.OK {
			return fmt.Errorf("slack: %s", resp.Error)
		}
		return nil
	}

	// Slack answers errors like "invalid_payload" or "no_text" as plain text.
	return fmt.Errorf("slack: %s", truncate(bodyStr, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
