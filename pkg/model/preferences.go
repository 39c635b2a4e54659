package model

// Preferences is the structured configuration submitted with a task
// (spec.md §6.3). Fields map 1:1 onto the recognized options; there is no
// escape hatch for arbitrary keys, and kbagentctl submit-task decodes
// --preferences with unknown fields disallowed, so an unrecognized option
// is rejected at submission (see the redesign note in spec.md §9).
type Preferences struct {
	SkipFetchBookmarks      bool `json:"skip_fetch_bookmarks" yaml:"skip_fetch_bookmarks"`
	SkipProcessContent      bool `json:"skip_process_content" yaml:"skip_process_content"`
	SkipSynthesisGeneration bool `json:"skip_synthesis_generation" yaml:"skip_synthesis_generation"`
	SkipEmbeddingGeneration bool `json:"skip_embedding_generation" yaml:"skip_embedding_generation"`
	SkipReadmeGeneration    bool `json:"skip_readme_generation" yaml:"skip_readme_generation"`
	SkipGitPush             bool `json:"skip_git_push" yaml:"skip_git_push"`

	ForceRecache            bool `json:"force_recache" yaml:"force_recache"`
	ForceReprocessMedia     bool `json:"force_reprocess_media" yaml:"force_reprocess_media"`
	ForceReprocessLLM       bool `json:"force_reprocess_llm" yaml:"force_reprocess_llm"`
	ForceRegenerateArticles bool `json:"force_regenerate_articles" yaml:"force_regenerate_articles"`
	ForceRegenerateDBSync   bool `json:"force_regenerate_db_sync" yaml:"force_regenerate_db_sync"`
}

// ForceFlagFor reports whether the given phase should re-run items that
// are already flagged done, per the preferences' force_* options.
func (p Preferences) ForceFlagFor(phase string) bool {
	switch phase {
	case PhaseCache:
		return p.ForceRecache
	case PhaseMedia:
		return p.ForceReprocessMedia
	case PhaseCategorize:
		return p.ForceReprocessLLM
	case PhaseGenerate:
		return p.ForceRegenerateArticles
	case PhaseDBSync:
		return p.ForceRegenerateDBSync
	default:
		return false
	}
}

// LLMOnlyRerun reports whether this run qualifies for the cache/media
// shortcut of spec.md §4.7: regenerate articles only, without forcing
// cache or media re-processing.
func (p Preferences) LLMOnlyRerun() bool {
	return p.ForceRegenerateArticles && !p.ForceRecache && !p.ForceReprocessMedia
}
