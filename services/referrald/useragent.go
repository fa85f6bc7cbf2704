package referrald

import "strings"

// ClientInfo is the coarse device classification stored with a click.
type ClientInfo struct {
	Device  string
	Browser string
	OS      string
}

const unknownClient = "unknown"

// ClassifyUserAgent maps a User-Agent header to device, browser and OS
// families. Order matters: several browsers embed the tokens of others.
func ClassifyUserAgent(ua string) ClientInfo {
	lower := strings.ToLower(ua)
	if strings.TrimSpace(lower) == "" {
		return ClientInfo{Device: unknownClient, Browser: unknownClient, OS: unknownClient}
	}
	return ClientInfo{Device: classifyDevice(lower), Browser: classifyBrowser(lower), OS: classifyOS(lower)}
}

func classifyDevice(ua string) string {
	switch {
	case containsAny(ua, "bot", "crawler", "spider", "curl/", "wget/"):
		return "bot"
	case containsAny(ua, "ipad", "tablet") || (strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")):
		return "tablet"
	case containsAny(ua, "mobi", "iphone", "ipod", "android"):
		return "mobile"
	default:
		return "desktop"
	}
}

func classifyBrowser(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "samsungbrowser"):
		return "samsung"
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		return "firefox"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"), strings.Contains(ua, "chromium/"):
		return "chrome"
	case strings.Contains(ua, "safari/"):
		return "safari"
	default:
		return "other"
	}
}

func classifyOS(ua string) string {
	switch {
	case containsAny(ua, "iphone", "ipad", "ipod"):
		return "ios"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "cros"):
		return "chromeos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "other"
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
