// Package content supplies the code snippet each race is typed against.
package content

import (
	"context"
	"unicode/utf8"
)

// Snippet is the immutable task of one race: a slice of a real source file
// plus where it came from.
type Snippet struct {
	Content    string     `json:"content"`
	StartIndex int        `json:"startIndex"`
	URL        string     `json:"url"`
	HTMLURL    string     `json:"html_url"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Repository Repository `json:"repository"`
	Owner      Owner      `json:"owner"`
	LineNumber int        `json:"lineNumber"`
}

type Repository struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Owner struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	URL       string `json:"url"`
}

// Length is the progress value at which a member has typed the whole
// snippet. Counted in runes so multi-byte characters are one keystroke.
func (s Snippet) Length() int {
	return utf8.RuneCountInString(s.Content)
}

// Default is served whenever the real source cannot produce a snippet.
func Default() Snippet {
	return Snippet{Content: "function hello() { console.log('hello') }"}
}

// Provider hands out snippets. Fetch never fails: implementations fall back
// to Default.
type Provider interface {
	Fetch(ctx context.Context) Snippet
}

// Fixed always returns the same snippet.
type Fixed Snippet

func (f Fixed) Fetch(context.Context) Snippet { return Snippet(f) }
