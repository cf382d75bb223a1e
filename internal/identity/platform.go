package identity

import "strings"

// Touchpoint platforms.
const (
	PlatformMeta      = "meta"
	PlatformGoogle    = "google"
	PlatformTikTok    = "tiktok"
	PlatformSnapchat  = "snapchat"
	PlatformBing      = "bing"
	PlatformNewsbreak = "newsbreak"
	PlatformReferral  = "referral"
	PlatformDirect    = "direct"
)

// DerivePlatform maps a session's ad signals onto a touchpoint platform.
// Click ids outrank utm_source; utm_source substrings outrank utm_medium.
// Returns "" when the hit carries no attribution signal at all (direct or
// organic traffic — no touchpoint is written for those).
func DerivePlatform(attrs SessionAttrs) string {
	if _, platform := attrs.ClickID(); platform != "" {
		return platform
	}

	source := strings.ToLower(attrs.UTMSource)
	if source != "" {
		switch {
		case containsAny(source, "facebook", "fb", "meta", "ig"):
			return PlatformMeta
		case strings.Contains(source, "google"):
			return PlatformGoogle
		case strings.Contains(source, "tiktok"):
			return PlatformTikTok
		case strings.Contains(source, "snap"):
			return PlatformSnapchat
		case containsAny(source, "bing", "microsoft"):
			return PlatformBing
		case strings.Contains(source, "newsbreak"):
			return PlatformNewsbreak
		default:
			return PlatformReferral
		}
	}

	if attrs.UTMCampaign != "" || attrs.UTMMedium != "" {
		return PlatformReferral
	}
	return ""
}

// HasAttributionSignal reports whether this session should produce a
// touchpoint: a click id, a utm_source, or a utm_campaign.
func HasAttributionSignal(attrs SessionAttrs) bool {
	if id, _ := attrs.ClickID(); id != "" {
		return true
	}
	return attrs.UTMSource != "" || attrs.UTMCampaign != ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
