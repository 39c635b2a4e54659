// Package model defines the domain types shared across the pipeline:
// items, tasks, the agent singleton and phase timing samples.
package model

import "time"

// Phase identifiers, in the fixed order the orchestrator runs them.
const (
	PhaseCache      = "cache"
	PhaseMedia      = "media"
	PhaseCategorize = "categorize"
	PhaseGenerate   = "generate"
	PhaseDBSync     = "db-sync"
)

// Phases is the fixed execution order of the pipeline.
var Phases = []string{PhaseCache, PhaseMedia, PhaseCategorize, PhaseGenerate, PhaseDBSync}

// Segment is one unit of text+media+urls within an item. A non-thread
// item has exactly one segment.
type Segment struct {
	Text  string   `json:"text"`
	Media []string `json:"media,omitempty"` // source URLs, indexes into Item.Media
	URLs  []string `json:"urls,omitempty"`
}

// MediaItem is a single piece of media attached to an item.
type MediaItem struct {
	SourceURL      string  `json:"source_url"`
	LocalCachePath *string `json:"local_cache_path,omitempty"`
	MimeType       string  `json:"mime_type"`
	Description    *string `json:"description,omitempty"`
	IsVideo        bool    `json:"is_video"`
}

// HasDescription reports whether this media item has been described.
func (m MediaItem) HasDescription() bool {
	return m.Description != nil && *m.Description != ""
}

// NeedsDescription reports whether this is non-video media that has been
// cached but still lacks a description (the invariant the validator and
// the media phase both check).
func (m MediaItem) NeedsDescription() bool {
	return !m.IsVideo && m.LocalCachePath != nil && *m.LocalCachePath != "" && !m.HasDescription()
}

// Item is one ingested post or thread, plus everything derived from it.
type Item struct {
	ID string `json:"item_id"`

	SourceURL string    `json:"source_url"`
	IsThread  bool      `json:"is_thread"`
	Segments  []Segment `json:"segments"`
	Media     []MediaItem `json:"media"`
	URLs      []string  `json:"urls"`

	MainCategory *string `json:"main_category,omitempty"`
	SubCategory  *string `json:"sub_category,omitempty"`
	ItemName     *string `json:"item_name,omitempty"`

	ArticleTitle    *string  `json:"article_title,omitempty"`
	ArticleMarkdown *string  `json:"article_markdown,omitempty"`
	ArticleRawJSON  *string  `json:"article_raw_json,omitempty"`
	KBDirPath       *string  `json:"kb_dir_path,omitempty"`
	KBMediaPaths    []string `json:"kb_media_paths,omitempty"`

	CacheComplete       bool `json:"cache_complete"`
	MediaProcessed      bool `json:"media_processed"`
	CategoriesProcessed bool `json:"categories_processed"`
	ArticleCreated      bool `json:"article_created"`
	DBSynced            bool `json:"db_synced"`

	PhaseErrors map[string]string `json:"phase_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullText concatenates every segment's text, the definition of
// spec.md §3.1's full_text attribute.
func (i *Item) FullText() string {
	out := ""
	for n, seg := range i.Segments {
		if n > 0 {
			out += "\n\n"
		}
		out += seg.Text
	}
	return out
}

// ClearPhaseErrors resets the transient error annotations; called at the
// start of every run (spec.md §3.1).
func (i *Item) ClearPhaseErrors() {
	i.PhaseErrors = nil
}

// SetPhaseError records a phase failure without touching other fields.
func (i *Item) SetPhaseError(phase, message string) {
	if i.PhaseErrors == nil {
		i.PhaseErrors = make(map[string]string)
	}
	i.PhaseErrors[phase] = message
}

// HasPhaseError reports whether any phase recorded an error this run.
func (i *Item) HasPhaseError() bool {
	return len(i.PhaseErrors) > 0
}

// AllFlagsTrue reports whether every phase flag is true, the condition
// the orchestrator uses to mark an item fully processed.
func (i *Item) AllFlagsTrue() bool {
	return i.CacheComplete && i.MediaProcessed && i.CategoriesProcessed && i.ArticleCreated && i.DBSynced
}

// NonVideoMediaNeedingDescription returns the indexes of media items that
// still need a vision-model description.
func (i *Item) NonVideoMediaNeedingDescription() []int {
	var out []int
	for idx, m := range i.Media {
		if m.NeedsDescription() {
			out = append(out, idx)
		}
	}
	return out
}

// AllNonVideoMediaDescribed reports whether every non-video, cached media
// item has a description — the condition that satisfies media_processed.
func (i *Item) AllNonVideoMediaDescribed() bool {
	for _, m := range i.Media {
		if m.NeedsDescription() {
			return false
		}
	}
	return true
}

// ClassificationComplete reports whether all three classification
// attributes are present and non-empty.
func (i *Item) ClassificationComplete() bool {
	return nonEmpty(i.MainCategory) && nonEmpty(i.SubCategory) && nonEmpty(i.ItemName)
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
