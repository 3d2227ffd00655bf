// Package document turns customer records into the text sections fed to the
// model and recorded as retrieval output on traces.
package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// Document is one formatted section of a customer record.
type Document struct {
	ID       string   `json:"id"`
	Content  string   `json:"page_content"`
	Metadata Metadata `json:"metadata"`
}

type Metadata struct {
	Type         string `json:"type"`
	CustomerName string `json:"customer_name"`
}

// Sections formats every top-level key of record as its own Document,
// in source order. IDs are "<customer>_<key>".
func Sections(customerName string, record Value) []Document {
	docs := make([]Document, 0, len(record.Fields))
	for _, f := range record.Fields {
		docs = append(docs, Document{
			ID:      customerName + "_" + f.Key,
			Content: Markdown(f.Key, f.Value),
			Metadata: Metadata{
				Type:         f.Key,
				CustomerName: customerName,
			},
		})
	}
	return docs
}

// Join renders documents the way they appear in a prompt: a title-cased
// type label, a newline, the section body, and a blank line between
// sections.
func Join(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, Title(d.Metadata.Type)+":\n"+d.Content)
	}
	return strings.Join(parts, "\n\n")
}

// RenderHTML converts markdown produced by this package (or by the model)
// to HTML for browser previews.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}
