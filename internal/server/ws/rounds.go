package ws

import (
	"strconv"
	"strings"
)

// parseRounds reads round ids from repeated or comma-separated query
// values.
func parseRounds(values []string) ([]uint64, bool) {
	var out []uint64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil || id == 0 {
				return nil, false
			}
			out = append(out, id)
		}
	}
	return out, true
}
