package schema

import "time"

// MemoryNote is a short first-person note one entity keeps about another.
// Notes live in a bounded rolling window: when the window is full the
// oldest note is dropped first, since recency of in-fiction events matters
// more than access frequency.
type MemoryNote struct {
	Author    string    `json:"author"`
	About     string    `json:"about"`
	Text      string    `json:"text"`
	Scene     int       `json:"scene"`
	Timestamp time.Time `json:"timestamp"`
}
