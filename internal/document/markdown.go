package document

import (
	"fmt"
	"strings"
	"unicode"
)

// Markdown renders one record section as an H1 heading followed by its
// contents. Mapping keys become bold labels, sequence items become bullets,
// and every nesting level indents by two spaces. Nothing is escaped: the
// output is meant for a model prompt, not a renderer.
func Markdown(section string, v Value) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(Title(section))
	b.WriteString("\n\n")
	writeValue(&b, v, 0)
	return strings.TrimSpace(b.String())
}

func writeValue(b *strings.Builder, v Value, level int) {
	indent := strings.Repeat("  ", level)
	switch v.Kind {
	case Object:
		for _, f := range v.Fields {
			label := Title(f.Key)
			if f.Value.IsContainer() {
				fmt.Fprintf(b, "%s**%s:**\n", indent, label)
				writeValue(b, f.Value, level+1)
				b.WriteString("\n")
				continue
			}
			fmt.Fprintf(b, "%s**%s:** %s\n\n", indent, label, f.Value)
		}
	case Array:
		for i, item := range v.Items {
			if item.Kind == Object {
				fmt.Fprintf(b, "%s- Item %d:\n", indent, i+1)
				writeValue(b, item, level+1)
				continue
			}
			fmt.Fprintf(b, "%s- %s\n", indent, item)
		}
	default:
		fmt.Fprintf(b, "%s%s\n", indent, v)
	}
}

// Title turns a snake_case key into a title-cased label: underscores become
// spaces, the first letter of every run of letters is upper-cased and the
// rest lower-cased.
func Title(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	inWord := false
	for _, r := range strings.ReplaceAll(key, "_", " ") {
		if !unicode.IsLetter(r) {
			inWord = false
			b.WriteRune(r)
			continue
		}
		if inWord {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(unicode.ToTitle(r))
		}
		inWord = true
	}
	return b.String()
}
