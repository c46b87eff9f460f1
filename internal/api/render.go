package api

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdown renders model answers. Raw HTML in the source is escaped
// (goldmark's default), so answers are safe to embed.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// renderHTML converts a markdown answer to an HTML fragment.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
