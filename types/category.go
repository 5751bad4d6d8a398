// Package types contains shared domain types used across the AugmentOS
// cloud event core: result categories, result entries, app registrations,
// and the push message envelope.
package types

import (
	"fmt"
	"strings"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
)

// Category identifies one per-user result log. The set is closed: unknown
// category names are an InvalidCategory error, never a silently created log.
type Category string

// Known result categories.
const (
	CategoryTranscripts     Category = "transcripts"
	CategoryInsights        Category = "insights"
	CategoryDefinitions     Category = "definitions"
	CategoryLanguage        Category = "language_learning"
	CategoryDisplayRequests Category = "display_requests"
	CategoryLocations       Category = "locations"
	CategoryRatings         Category = "ratings"
)

// TopicWildcard matches every category in a subscription set.
const TopicWildcard = "*"

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryTranscripts,
		CategoryInsights,
		CategoryDefinitions,
		CategoryLanguage,
		CategoryDisplayRequests,
		CategoryLocations,
		CategoryRatings,
	}
}

// ParseCategory converts a category name into a Category. Unknown names
// fail with ErrInvalidCategory so misconfigured producers and consumers are
// caught early rather than silently writing into a void.
func ParseCategory(name string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(name)))
	switch c {
	case CategoryTranscripts, CategoryInsights, CategoryDefinitions,
		CategoryLanguage, CategoryDisplayRequests, CategoryLocations,
		CategoryRatings:
		return c, nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidCategory, "Category", "Parse",
			fmt.Sprintf("unknown category %q", name))
	}
}

// String returns the category name.
func (c Category) String() string { return string(c) }

// RetentionPolicy describes how a category log retains entries.
type RetentionPolicy int

const (
	// RetentionInbox keeps every entry; consumption is tracked per device
	// and never prunes the log.
	RetentionInbox RetentionPolicy = iota
	// RetentionSlidingWindow keeps only the most recent K entries,
	// irrespective of consumption. Used where the consumer wants current
	// state rather than a message queue.
	RetentionSlidingWindow
)

// String returns the string representation of RetentionPolicy.
func (p RetentionPolicy) String() string {
	switch p {
	case RetentionInbox:
		return "inbox"
	case RetentionSlidingWindow:
		return "sliding_window"
	default:
		return "unknown"
	}
}

// Retention returns the retention policy for the category. Location updates
// are current-state, everything else is a durable inbox.
func (c Category) Retention() RetentionPolicy {
	if c == CategoryLocations {
		return RetentionSlidingWindow
	}
	return RetentionInbox
}
