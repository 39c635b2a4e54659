// Package markdown converts the structured article JSON produced by the
// generate phase's LLM call into the Markdown file written to disk, via
// a fixed, deterministic transformation (spec.md §4.6.4).
package markdown

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ListKind distinguishes bulleted from numbered lists.
type ListKind string

// List kinds (spec.md §4.6.4).
const (
	ListBulleted ListKind = "bulleted"
	ListNumbered ListKind = "numbered"
)

// CodeBlock is one fenced code sample within a section.
type CodeBlock struct {
	Language    string `json:"language"`
	Code        string `json:"code"`
	Explanation string `json:"explanation,omitempty"`
}

// List is a bulleted or numbered list within a section.
type List struct {
	Type  ListKind `json:"type"`
	Items []string `json:"items"`
}

// Section is one H2-level block of the article.
type Section struct {
	Heading          string      `json:"heading"`
	ContentParagraphs EnsuredList `json:"content_paragraphs"`
	CodeBlocks       []CodeBlock `json:"code_blocks,omitempty"`
	Lists            []List      `json:"lists,omitempty"`
	NotesOrTips      EnsuredList `json:"notes_or_tips,omitempty"`
}

// Reference is one external link in the article's reference list.
type Reference struct {
	Text string `json:"text,omitempty"`
	URL  string `json:"url"`
}

// Article is the structured JSON the generate phase parses from the
// model's response (spec.md §4.6.4's field list).
type Article struct {
	SuggestedTitle       string      `json:"suggested_title"`
	MetaDescription      string      `json:"meta_description,omitempty"`
	Introduction         string      `json:"introduction,omitempty"`
	Sections             []Section   `json:"sections"`
	KeyTakeaways         EnsuredList `json:"key_takeaways,omitempty"`
	Conclusion           string      `json:"conclusion,omitempty"`
	ExternalReferences   []Reference `json:"external_references,omitempty"`
}

// EnsuredList normalizes a JSON field the model may return as either a
// string or a list of strings into a single []string, joining
// list-as-string values with a blank line (spec.md §4.6.4's
// "ensure-string" rule, applied in reverse since our canonical
// representation is the list form).
type EnsuredList []string

// UnmarshalJSON accepts a JSON string, a JSON array of strings, or null.
func (l *EnsuredList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = nil
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString == "" {
			*l = nil
			return nil
		}
		*l = EnsuredList{asString}
		return nil
	}

	var asList []string
	if err := json.Unmarshal(data, &asList); err != nil {
		return fmt.Errorf("field must be a string or an array of strings: %w", err)
	}
	*l = asList
	return nil
}

// Joined collapses the list to the single string the model's own
// "ensure_string" helper would have produced: list entries joined by a
// blank line.
func (l EnsuredList) Joined() string {
	return strings.Join([]string(l), "\n\n")
}

// ToMarkdown applies the fixed, deterministic JSON → Markdown conversion
// of spec.md §4.6.4: title as H1, each section as H2, code blocks fenced
// with a language tag, bulleted vs numbered list rendering, notes
// rendered as "> **Note/Tip:** …", references as bulleted links. Same
// input always yields byte-identical output (spec.md §8).
func (a Article) ToMarkdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", a.SuggestedTitle)

	if a.MetaDescription != "" {
		fmt.Fprintf(&b, "> %s\n\n", a.MetaDescription)
	}

	if a.Introduction != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Introduction)
	}

	for _, sec := range a.Sections {
		writeSection(&b, sec)
	}

	if len(a.KeyTakeaways) > 0 {
		b.WriteString("## Key Takeaways\n\n")
		for _, t := range a.KeyTakeaways {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("\n")
	}

	if a.Conclusion != "" {
		b.WriteString("## Conclusion\n\n")
		fmt.Fprintf(&b, "%s\n\n", a.Conclusion)
	}

	if len(a.ExternalReferences) > 0 {
		b.WriteString("## References\n\n")
		for _, ref := range a.ExternalReferences {
			text := ref.Text
			if text == "" {
				text = ref.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", text, ref.URL)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeSection(b *strings.Builder, sec Section) {
	fmt.Fprintf(b, "## %s\n\n", sec.Heading)

	if len(sec.ContentParagraphs) > 0 {
		fmt.Fprintf(b, "%s\n\n", sec.ContentParagraphs.Joined())
	}

	for _, cb := range sec.CodeBlocks {
		fmt.Fprintf(b, "```%s\n%s\n```\n\n", cb.Language, strings.TrimRight(cb.Code, "\n"))
		if cb.Explanation != "" {
			fmt.Fprintf(b, "%s\n\n", cb.Explanation)
		}
	}

	for _, list := range sec.Lists {
		writeList(b, list)
	}

	for _, note := range sec.NotesOrTips {
		fmt.Fprintf(b, "> **Note/Tip:** %s\n\n", note)
	}
}

func writeList(b *strings.Builder, list List) {
	for i, item := range list.Items {
		if list.Type == ListNumbered {
			fmt.Fprintf(b, "%d. %s\n", i+1, item)
		} else {
			fmt.Fprintf(b, "- %s\n", item)
		}
	}
	b.WriteString("\n")
}
