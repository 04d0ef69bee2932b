package domain

import (
	"fmt"
	"strings"
)

// Platform identifies an external streaming platform.
type Platform string

const (
	PlatformTwitch Platform = "twitch"
	PlatformKick   Platform = "kick"
)

// DefaultPriority is the tie-break order used when a streamer is live on
// more than one platform.
var DefaultPriority = Priority{PlatformTwitch, PlatformKick}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformTwitch, PlatformKick:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// Priority is a total order over platforms, highest first.
type Priority []Platform

// ParsePriority builds a Priority from names. Every known platform must
// appear exactly once.
func ParsePriority(names []string) (Priority, error) {
	if len(names) == 0 {
		return DefaultPriority, nil
	}
	seen := make(map[Platform]bool, len(names))
	out := make(Priority, 0, len(names))
	for _, n := range names {
		p, err := ParsePlatform(n)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			return nil, fmt.Errorf("platform %q listed twice in priority", p)
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range DefaultPriority {
		if !seen[p] {
			return nil, fmt.Errorf("platform %q missing from priority", p)
		}
	}
	return out, nil
}

// Rank returns the index of p, or len(pr) when p is unknown.
func (pr Priority) Rank(p Platform) int {
	for i, x := range pr {
		if x == p {
			return i
		}
	}
	return len(pr)
}

// Sort returns the platforms ordered by priority, without duplicates.
// Platforms missing from pr keep their input order after the ranked ones.
func (pr Priority) Sort(ps []Platform) []Platform {
	if len(ps) == 0 {
		return nil
	}
	present := make(map[Platform]bool, len(ps))
	for _, p := range ps {
		present[p] = true
	}
	out := make([]Platform, 0, len(present))
	for _, p := range pr {
		if present[p] {
			out = append(out, p)
			delete(present, p)
		}
	}
	for _, p := range ps {
		if present[p] {
			out = append(out, p)
			delete(present, p)
		}
	}
	return out
}
