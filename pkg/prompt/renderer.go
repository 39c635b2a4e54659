// Package prompt renders named prompt definitions into either a plain
// string (standard models) or an ordered message sequence (reasoning
// models) — the interface the core calls into the prompt-rendering
// system through (spec.md §4.2). Rendering is a pure function of its
// inputs; only the definition cache is mutable, keyed by file path and
// modification time.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kbagent/core/pkg/llm"
)

// ModelType selects which shape of RenderResult a prompt renders to.
type ModelType string

// Model types (spec.md §4.2).
const (
	ModelStandard  ModelType = "standard"
	ModelReasoning ModelType = "reasoning"
)

// RenderResult is either a plain string (standard) or an ordered
// sequence of messages (reasoning) — never both.
type RenderResult struct {
	Text     string
	Messages []llm.Message
}

// ErrValidation is returned when parameter validation fails (spec.md §4.2).
type ErrValidation struct {
	PromptID string
	Field    string
	Reason   string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("prompt %q: parameter %q: %s", e.PromptID, e.Field, e.Reason)
}

// ParamSchema declares one required or optional template parameter.
type ParamSchema struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// Variant is an alternate template or message list, selected when
// Render's variant argument equals Name. When is parsed from the YAML but
// not evaluated.
type Variant struct {
	Name      string   `yaml:"name"`
	When      string   `yaml:"when"`
	Template  string   `yaml:"template"`
	Messages  []string `yaml:"messages,omitempty"` // role:content pairs, "role|content"
}

// Definition is one named prompt: a parameter schema, zero or more
// variants, a default template, and optional examples.
type Definition struct {
	ID       string        `yaml:"id"`
	Params   []ParamSchema `yaml:"params"`
	Template string        `yaml:"template"`
	Messages []string      `yaml:"messages,omitempty"`
	Variants []Variant     `yaml:"variants,omitempty"`
	Examples []string      `yaml:"examples,omitempty"`
}

type cacheEntry struct {
	modTime int64
	def     Definition
}

// Renderer loads prompt definitions from a directory (one YAML file per
// prompt id) and renders them, caching parsed definitions by
// (path, mtime) so a daemon doesn't re-read+re-parse the file on every
// call.
type Renderer struct {
	dir string

	mu    sync.RWMutex
	cache map[string]cacheEntry

	watcher *fsnotify.Watcher
}

// NewRenderer constructs a Renderer rooted at dir. Call Close to stop the
// optional filesystem watcher.
func NewRenderer(dir string) (*Renderer, error) {
	r := &Renderer{dir: dir, cache: make(map[string]cacheEntry)}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(dir); err == nil {
			r.watcher = watcher
			go r.watchLoop()
		} else {
			_ = watcher.Close()
		}
	}
	return r, nil
}

// Close releases the filesystem watcher, if one was started.
func (r *Renderer) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// watchLoop invalidates the cache entry for a prompt file the moment it
// changes on disk, so a long-running daemon never serves a stale
// rendering between polling intervals.
func (r *Renderer) watchLoop() {
	for event := range r.watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
			continue
		}
		id := idFromPath(event.Name)
		r.mu.Lock()
		delete(r.cache, id)
		r.mu.Unlock()
	}
}

func idFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r *Renderer) pathFor(promptID string) string {
	return filepath.Join(r.dir, promptID+".yaml")
}

// load reads and parses a prompt definition, serving from cache when the
// file's modification time hasn't changed.
func (r *Renderer) load(promptID string) (Definition, error) {
	path := r.pathFor(promptID)
	info, err := os.Stat(path)
	if err != nil {
		return Definition{}, fmt.Errorf("prompt %q: %w", promptID, err)
	}
	mtime := info.ModTime().UnixNano()

	r.mu.RLock()
	if entry, ok := r.cache[promptID]; ok && entry.modTime == mtime {
		r.mu.RUnlock()
		return entry.def, nil
	}
	r.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("prompt %q: %w", promptID, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("prompt %q: invalid YAML: %w", promptID, err)
	}
	if def.ID == "" {
		def.ID = promptID
	}

	r.mu.Lock()
	r.cache[promptID] = cacheEntry{modTime: mtime, def: def}
	r.mu.Unlock()

	return def, nil
}

// Render renders promptID for modelType with params, optionally
// selecting a named variant. Parameter validation errors are returned as
// *ErrValidation.
func (r *Renderer) Render(promptID string, modelType ModelType, params map[string]interface{}, variant string) (RenderResult, error) {
	def, err := r.load(promptID)
	if err != nil {
		return RenderResult{}, err
	}

	for _, p := range def.Params {
		if p.Required {
			if v, ok := params[p.Name]; !ok || isBlank(v) {
				return RenderResult{}, &ErrValidation{PromptID: promptID, Field: p.Name, Reason: "required parameter missing or empty"}
			}
		}
	}

	templateStr := def.Template
	messages := def.Messages
	if variant != "" {
		for _, v := range def.Variants {
			if v.Name == variant {
				if v.Template != "" {
					templateStr = v.Template
				}
				if len(v.Messages) > 0 {
					messages = v.Messages
				}
				break
			}
		}
	}

	if modelType == ModelReasoning && len(messages) > 0 {
		rendered, err := renderMessages(promptID, messages, params)
		if err != nil {
			return RenderResult{}, err
		}
		return RenderResult{Messages: rendered}, nil
	}

	text, err := renderTemplate(promptID, templateStr, params)
	if err != nil {
		return RenderResult{}, err
	}
	return RenderResult{Text: text}, nil
}

func isBlank(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func renderTemplate(promptID, tmplStr string, params map[string]interface{}) (string, error) {
	tmpl, err := template.New(promptID).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("prompt %q: template parse error: %w", promptID, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("prompt %q: template exec error: %w", promptID, err)
	}
	return sb.String(), nil
}

// renderMessages parses "role|content" entries, rendering content as a template.
func renderMessages(promptID string, entries []string, params map[string]interface{}) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, "|", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("prompt %q: malformed message entry %q (want role|content)", promptID, entry)
		}
		content, err := renderTemplate(promptID, parts[1], params)
		if err != nil {
			return nil, err
		}
		out = append(out, llm.Message{Role: llm.Role(parts[0]), Content: content})
	}
	return out, nil
}
