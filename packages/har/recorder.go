package har

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder accumulates entries for one capture session. It is safe for
// concurrent use by the proxy's worker goroutines.
type Recorder struct {
	mu      sync.Mutex
	har     *HAR
	pageRef string
}

// NewRecorder creates a recorder whose archive is attributed to the named creator
func NewRecorder(name, version string) *Recorder {
	return &Recorder{har: New(name, version)}
}

// NewPage starts a new page and returns its id. Entries added afterwards
// reference it.
func (r *Recorder) NewPage(title string) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.har.Log.Pages = append(r.har.Log.Pages, &Page{
		StartedDateTime: time.Now(),
		ID:              id,
		Title:           title,
		PageTimings:     &PageTimings{OnContentLoad: -1, OnLoad: -1},
	})
	r.pageRef = id
	return id
}

// CurrentPage returns the id of the most recently started page
func (r *Recorder) CurrentPage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pageRef
}

// Add appends an entry. The recorder takes ownership of e.
func (r *Recorder) Add(e *Entry) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Pageref == "" {
		e.Pageref = r.pageRef
	}
	r.har.Log.Entries = append(r.har.Log.Entries, e)
}

// Len returns the number of recorded entries
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.har.Log.Entries)
}

// Snapshot returns a deep copy of everything recorded so far
func (r *Recorder) Snapshot() *HAR {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.har.Clone()
}

// Reset discards recorded pages and entries
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	creator := r.har.Log.Creator
	r.har = &HAR{Log: &Log{Version: Version, Creator: creator, Entries: make([]*Entry, 0)}}
	r.pageRef = ""
}

// SortByStart orders entries by their start time, keeping completion order for ties
func SortByStart(h *HAR) {
	if h == nil || h.Log == nil {
		return
	}
	sort.SliceStable(h.Log.Entries, func(i, j int) bool {
		return h.Log.Entries[i].StartedDateTime.Before(h.Log.Entries[j].StartedDateTime)
	})
}
