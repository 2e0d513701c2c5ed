package service

import (
	"fmt"
	"strings"
	"time"
)

// ResolveTimezone validates a user-supplied IANA zone name. Callers that
// want the documented UTC fallback apply it themselves after this
// returns an error; the fallback never happens silently in deep paths.
func ResolveTimezone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
