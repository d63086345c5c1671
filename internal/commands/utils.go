package commands

import (
	"fmt"
	"strconv"
)

// ParseUserID converts a provider user ID string (a Discord snowflake) to
// the int64 key used for sessions and settings.
func ParseUserID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user ID %q: %w", id, err)
	}
	return n, nil
}
