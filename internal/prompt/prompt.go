// Package prompt addresses versioned email templates held in a prompt
// registry.
package prompt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
)

const (
	ProductionAlias  = "production"
	DevelopmentAlias = "development"
)

// ErrNotFound is returned when a name or alias does not resolve.
var ErrNotFound = errors.New("prompt not found")

//go:embed templates/original.txt
var originalTemplate string

//go:embed templates/fixed.txt
var fixedTemplate string

// Original is the first production template.
func Original() string { return originalTemplate }

// Fixed is the revised template that forbids content not present in the
// customer data.
func Fixed() string { return fixedTemplate }

// Coordinate addresses a template by catalog, schema, name and alias.
type Coordinate struct {
	Catalog string
	Schema  string
	Name    string
	Alias   string
}

// FullName is the three-part registry name.
func (c Coordinate) FullName() string {
	return c.Catalog + "." + c.Schema + "." + c.Name
}

func (c Coordinate) URI() string {
	return "prompts:/" + c.FullName() + "@" + c.Alias
}

func (c Coordinate) WithAlias(alias string) Coordinate {
	c.Alias = alias
	return c
}

// Prompt is a template resolved to a concrete version.
type Prompt struct {
	Coordinate
	Version  int
	Template string
}

// ModelName identifies the prompt version on traces: name@alias@vN.
func (p Prompt) ModelName() string {
	return fmt.Sprintf("%s@%s@v%d", p.Name, p.Alias, p.Version)
}

// Registry resolves aliases to template versions and publishes new ones.
type Registry interface {
	Load(ctx context.Context, c Coordinate) (Prompt, error)
	Register(ctx context.Context, fullName, template, commitMessage string) (int, error)
	SetAlias(ctx context.Context, fullName, alias string, version int) error
}

// DisplayText undoes the escaping the registry applies to stored templates:
// literal \n sequences become newlines and the surrounding quote characters
// are dropped.
func DisplayText(template string) string {
	s := []rune(strings.ReplaceAll(template, `\n`, "\n"))
	if len(s) < 2 {
		return ""
	}
	return string(s[1 : len(s)-1])
}
