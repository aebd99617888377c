// Package detect finds comments by a target author that are missing from a baseline.
package detect

import (
	"iter"
	"slices"

	"ytcomment-notifier/pkg/notifier"
)

// New returns the comments in current that are absent from previous and were
// written by targetAuthor. Author matching is an exact, case-sensitive compare
// on the display name. Replies are not inspected.
//
// The sequence is lazy and may be iterated any number of times; neither input
// is modified.
func New(previous, current []*notifier.Comment, targetAuthor string) iter.Seq[*notifier.Comment] {
	return func(yield func(*notifier.Comment) bool) {
		seen := make(map[string]struct{}, len(previous))
		for _, c := range previous {
			seen[c.ID] = struct{}{}
		}

		for _, c := range current {
			if c.Author != targetAuthor {
				continue
			}
			if _, ok := seen[c.ID]; ok {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Collect returns the new comments as a slice in API order.
func Collect(previous, current []*notifier.Comment, targetAuthor string) []*notifier.Comment {
	return slices.Collect(New(previous, current, targetAuthor))
}
