package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OperatorSet holds the chat user ids allowed to run mutating commands.
type OperatorSet map[string]struct{}

// ParseOperators validates that every id is a chat snowflake (unsigned integer).
func ParseOperators(ids []string) (OperatorSet, error) {
	set := make(OperatorSet, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("operator id %q is not numeric", raw)
		}
		set[id] = struct{}{}
	}
	return set, nil
}

func (s OperatorSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in ascending order.
func (s OperatorSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
