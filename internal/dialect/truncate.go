package dialect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTooManySections is returned when an identifier has so many
// underscore-separated sections that no amount of shrinking can fit it
// within the flavor's length limit.
var ErrTooManySections = errors.New("too many name sections for identifier length limit")

// TruncateItemName shrinks item to fit f.MaxNameLen. The name is split
// on underscores and the longest section is shortened by one character
// at a time, leftmost section winning ties, so that every section keeps
// a recognizable prefix. The result is deterministic for a given input.
func TruncateItemName(item string, f *Flavor) (string, error) {
	if len(item) <= f.MaxNameLen {
		return item, nil
	}
	sections := strings.Split(item, "_")
	// Each section needs at least one character plus the separators.
	if 2*len(sections)-1 > f.MaxNameLen {
		return "", fmt.Errorf("%w: %q has %d sections, limit %d",
			ErrTooManySections, item, len(sections), f.MaxNameLen)
	}
	total := len(item)
	for total > f.MaxNameLen {
		longest := 0
		for i := range sections {
			if len(sections[i]) > len(sections[longest]) {
				longest = i
			}
		}
		sections[longest] = sections[longest][:len(sections[longest])-1]
		total--
	}
	return strings.Join(sections, "_"), nil
}
