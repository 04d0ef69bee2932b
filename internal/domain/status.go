package domain

// Status is the canonical, merged status of a streamer.
type Status struct {
	IsLive       bool       `json:"is_live"`
	LiveOn       []Platform `json:"live_on"`
	LivePlatform *Platform  `json:"live_platform"`
	ViewerCount  int        `json:"viewer_count"`
	Category     *string    `json:"category"`
	Title        *string    `json:"title"`
}

// Offline is the zero status.
func Offline() Status {
	return Status{}
}

// Equal compares two statuses field by field. LiveOn is compared as a
// set and a nil slice equals an empty one.
func (s Status) Equal(o Status) bool {
	if s.IsLive != o.IsLive || s.ViewerCount != o.ViewerCount {
		return false
	}
	if !equalPtr(s.LivePlatform, o.LivePlatform) || !equalPtr(s.Category, o.Category) || !equalPtr(s.Title, o.Title) {
		return false
	}
	return samePlatforms(s.LiveOn, o.LiveOn)
}

// Changes lists the names of the fields that differ, for logging.
func (s Status) Changes(o Status) []string {
	var out []string
	if s.IsLive != o.IsLive {
		out = append(out, "is_live")
	}
	if !samePlatforms(s.LiveOn, o.LiveOn) {
		out = append(out, "live_on")
	}
	if !equalPtr(s.LivePlatform, o.LivePlatform) {
		out = append(out, "live_platform")
	}
	if s.ViewerCount != o.ViewerCount {
		out = append(out, "viewer_count")
	}
	if !equalPtr(s.Category, o.Category) {
		out = append(out, "category")
	}
	if !equalPtr(s.Title, o.Title) {
		out = append(out, "title")
	}
	return out
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func samePlatforms(a, b []Platform) bool {
	as := make(map[Platform]struct{}, len(a))
	for _, p := range a {
		as[p] = struct{}{}
	}
	bs := make(map[Platform]struct{}, len(b))
	for _, p := range b {
		bs[p] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for p := range as {
		if _, ok := bs[p]; !ok {
			return false
		}
	}
	return true
}

// Observation is one platform's answer for one check.
type Observation struct {
	Platform    Platform `json:"platform"`
	Live        bool     `json:"live"`
	ViewerCount int      `json:"viewer_count"`
	Category    string   `json:"category,omitempty"`
	Title       string   `json:"title,omitempty"`
}

// MergeStatus folds per-platform observations into a canonical status.
// Platforms without an observation are unknown and contribute nothing.
// Metadata comes from the highest-priority live platform.
func MergeStatus(obs []Observation, priority Priority) Status {
	byPlatform := make(map[Platform]Observation, len(obs))
	var live []Platform
	for _, o := range obs {
		if !o.Live {
			continue
		}
		if _, dup := byPlatform[o.Platform]; dup {
			continue
		}
		byPlatform[o.Platform] = o
		live = append(live, o.Platform)
	}
	if len(live) == 0 {
		return Offline()
	}

	liveOn := priority.Sort(live)
	primary := byPlatform[liveOn[0]]
	p := primary.Platform

	viewers := primary.ViewerCount
	if viewers < 0 {
		viewers = 0
	}

	return Status{
		IsLive:       true,
		LiveOn:       liveOn,
		LivePlatform: &p,
		ViewerCount:  viewers,
		Category:     optional(primary.Category),
		Title:        optional(primary.Title),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
