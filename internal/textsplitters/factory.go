package textsplitters

import "fmt"

// Kind identifies a splitter strategy.
type Kind string

const (
	// KindFixed selects the fixed-length sliding-window splitter, the
	// fallback used when a boundary-aware strategy degenerates.
	KindFixed Kind = "fixed"
	// KindMarkdown splits by Markdown headings, then groups within sections.
	KindMarkdown Kind = "markdown"
	// KindCode splits code by function/class blocks when possible.
	KindCode Kind = "code"
)

// Unit indicates what a splitter measures when computing chunk sizes.
type Unit string

const (
	// UnitChars splits by Unicode characters (runes).
	UnitChars Unit = "chars"
	// UnitTokens splits by tokens, as defined by a Tokenizer implementation.
	UnitTokens Unit = "tokens"
)

// Config configures a splitter. The Kind selects the concrete strategy and the
// corresponding sub-config should be populated.
type Config struct {
	Kind     Kind
	Fixed    FixedConfig
	Markdown MarkdownConfig
	Code     CodeConfig
}

// NewFromConfig constructs a Splitter from a Config.
func NewFromConfig(c Config) (Splitter, error) {
	switch c.Kind {
	case KindFixed:
		return newFixedSplitter(c.Fixed)
	case KindMarkdown:
		return newMarkdownSplitter(c.Markdown)
	case KindCode:
		return newCodeSplitter(c.Code)
	default:
		return nil, fmt.Errorf("unknown splitter kind: %q", c.Kind)
	}
}
