package link

import (
	"net/url"
	"strings"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
)

// ResolveSession maps a human-entered session identifier to a canonical
// session code. Codes match first, then display names, both ignoring case and
// surrounding space.
func ResolveSession(input string, sessions []auth.SessionRef) (string, bool) {
	want := strings.TrimSpace(input)
	if want == "" {
		return "", false
	}
	for _, s := range sessions {
		if strings.EqualFold(s.Code, want) {
			return s.Code, true
		}
	}
	for _, s := range sessions {
		if strings.EqualFold(strings.TrimSpace(s.Name), want) {
			return s.Code, true
		}
	}
	return "", false
}

// SocketURL returns the game socket address for code under a ws(s) or
// http(s) base.
func SocketURL(base, code string) string {
	return strings.TrimRight(base, "/") + "/ws/game/" + url.PathEscape(code)
}
