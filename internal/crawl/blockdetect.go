package crawl

import (
	"net/http"
	"strings"
)

// BlockType names the anti-bot mechanism detected on a response.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock reports whether a response is a challenge page rather than
// the document. Policy pages are public, so any challenge means the
// transport, not the content, is the problem.
func DetectBlock(status int, header http.Header, body []byte) BlockType {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-mitigated") != "" ||
			(strings.EqualFold(header.Get("server"), "cloudflare") && header.Get("cf-ray") != "") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	switch {
	case strings.Contains(lower, "cf-browser-verification"),
		strings.Contains(lower, "checking your browser before accessing"),
		strings.Contains(lower, "cf-challenge"):
		return BlockCloudflare
	case strings.Contains(lower, "g-recaptcha"),
		strings.Contains(lower, "h-captcha"),
		strings.Contains(lower, "verify you are human"):
		return BlockCaptcha
	}

	// A tiny document that only says to enable JavaScript is an app shell.
	if len(body) < 2000 && strings.Contains(lower, "<noscript") &&
		strings.Contains(lower, "enable javascript") {
		return BlockJSShell
	}
	return BlockNone
}
