// Package redact strips IPTV account credentials from URLs and error text
// before they reach the logs.
package redact

import (
	"github.com/grafana/regexp"
)

var (
	// queryCredPattern matches credential-bearing query values.
	queryCredPattern = regexp.MustCompile(`(?i)((?:username|password|passwd|token|apikey|api_key)=)[^&\s"]+`)

	// xtreamPathPattern matches the Xtream Codes stream path layout
	// /<kind>/<user>/<pass>/<id>.
	xtreamPathPattern = regexp.MustCompile(`(?i)(/(?:live|movie|series|timeshift|hls)/)[^/\s"]+/[^/\s"]+/`)

	// userinfoPattern matches user:pass@ in an authority.
	userinfoPattern = regexp.MustCompile(`(://)[^/@\s"]+@`)
)

const mask = "[REDACTED]"

// String redacts credentials from any text that may embed upstream URLs.
func String(s string) string {
	s = userinfoPattern.ReplaceAllString(s, "${1}"+mask+"@")
	s = xtreamPathPattern.ReplaceAllString(s, "${1}"+mask+"/"+mask+"/")
	return queryCredPattern.ReplaceAllString(s, "${1}"+mask)
}

// Error redacts credentials from err's message.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
