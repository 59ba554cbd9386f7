package status

import (
	"errors"
	"fmt"
	"strings"
)

// Label is the last known state of a world.
type Label string

const (
	Online  Label = "Online"
	Offline Label = "Offline"
	Idle    Label = "Idle"
)

var ErrInvalidLabel = errors.New("invalid status label")

// Labels lists every recognised label in display order.
var Labels = []Label{Online, Offline, Idle}

// ParseLabel accepts any casing of online, offline or idle.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	case "idle":
		return Idle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
}

func (l Label) Valid() bool {
	switch l {
	case Online, Offline, Idle:
		return true
	}
	return false
}

func (l Label) String() string { return string(l) }
