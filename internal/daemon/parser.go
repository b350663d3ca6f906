package daemon

import (
	"strings"

	"github.com/grafana/regexp"
)

// recordPattern matches "<timestamp> <labels> <message>". The timestamp also
// takes the RFC 3339 "Z" designator. The label set must end in `"}`; a set
// like {foo="} "} is cut short, which is accepted.
var recordPattern = regexp.MustCompile(`^([0-9T:.+Z-]+) (\{.+?[^\\]"\}) (.*)$`)

// parseRecord splits a data line. The line may still carry its newline.
func parseRecord(line string) (timestamp, labels, message string, ok bool) {
	m := recordPattern.FindStringSubmatch(strings.TrimSuffix(line, "\n"))
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}
