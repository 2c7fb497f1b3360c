// Package chunker deterministically splits a document's bytes into ordered,
// bounded atlas.Chunk values with stable indices and byte offsets. It
// dispatches to the textsplitters package for the actual strategy (markdown,
// code, or a fixed sliding window fallback) and layers on the spec's
// binary-skip and min/max size-bound handling.
package chunker

import (
	"bytes"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"atlas/internal/atlas"
	"atlas/internal/textsplitters"
)

// Config bounds chunk sizes and the binary-skip threshold.
type Config struct {
	MinChars      int
	MaxChars      int
	Overlap       int
	MaxFileBytes  int // files larger than this are skipped entirely
	BinaryPeek    int // bytes sniffed to decide binary vs text
	BinaryMaxSize int // bounded size of the single chunk emitted for binary files
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinChars:      200,
		MaxChars:      1800,
		Overlap:       200,
		MaxFileBytes:  5 * 1024 * 1024,
		BinaryPeek:    512 * 1024,
		BinaryMaxSize: 2048,
	}
}

// Chunker splits file bytes into ordered chunks.
type Chunker struct {
	cfg Config
}

// New constructs a Chunker from cfg, filling zero values with defaults.
func New(cfg Config) *Chunker {
	d := DefaultConfig()
	if cfg.MinChars <= 0 {
		cfg.MinChars = d.MinChars
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = d.MaxChars
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = d.MaxFileBytes
	}
	if cfg.BinaryPeek <= 0 {
		cfg.BinaryPeek = d.BinaryPeek
	}
	if cfg.BinaryMaxSize <= 0 {
		cfg.BinaryMaxSize = d.BinaryMaxSize
	}
	return &Chunker{cfg: cfg}
}

// Piece is an ordered, offset-tagged slice of chunk text prior to being
// attached to a Source id.
type Piece struct {
	Index       int
	Text        string
	ByteStart   int
	ByteEnd     int
	ContentType atlas.ContentType
}

// Chunk splits raw file bytes into ordered pieces. filePath drives content-type
// and strategy selection; mimeHint, when non-empty, overrides the sniffed type.
func (c *Chunker) Chunk(filePath string, raw []byte, mimeHint string) ([]Piece, error) {
	if len(raw) > c.cfg.MaxFileBytes {
		return nil, nil
	}
	if isBinary(raw, c.cfg.BinaryPeek, mimeHint) {
		text := string(raw)
		if len(text) > c.cfg.BinaryMaxSize {
			text = text[:c.cfg.BinaryMaxSize]
		}
		return []Piece{{
			Index:       0,
			Text:        text,
			ByteStart:   0,
			ByteEnd:     len(text),
			ContentType: atlas.ContentBinary,
		}}, nil
	}

	text := string(raw)
	ct := classify(filePath)
	splitter, err := strategyFor(ct, c.cfg)
	if err != nil {
		return nil, err
	}
	parts := splitter.Split(text)
	if hasOversizedPart(parts, c.cfg.MaxChars) {
		parts, err = fixedWindow(text, c.cfg)
		if err != nil {
			return nil, err
		}
	}
	parts = mergeUndersized(parts, c.cfg.MinChars)
	return withOffsets(text, parts, ct), nil
}

// hasOversizedPart reports whether the markdown/code splitter left a part
// over the configured maximum, which happens when a file has no heading,
// paragraph, or code-block boundaries for the splitter to break on (a long
// run of unpunctuated text, for instance). That degenerate case falls back
// to a fixed sliding window instead of emitting an unbounded chunk.
func hasOversizedPart(parts []string, maxChars int) bool {
	if maxChars <= 0 {
		return false
	}
	for _, p := range parts {
		if utf8.RuneCountInString(p) > maxChars {
			return true
		}
	}
	return false
}

// fixedWindow re-splits text with the fixed-length sliding window strategy,
// the spec's required fallback when the boundary-aware strategies degenerate.
func fixedWindow(text string, cfg Config) ([]string, error) {
	splitter, err := textsplitters.NewFromConfig(textsplitters.Config{
		Kind: textsplitters.KindFixed,
		Fixed: textsplitters.FixedConfig{
			Unit:    textsplitters.UnitChars,
			Size:    cfg.MaxChars,
			Overlap: cfg.Overlap,
		},
	})
	if err != nil {
		return nil, err
	}
	return splitter.Split(text), nil
}

// mergeUndersized folds any part shorter than min into its neighbor so every
// emitted piece but possibly the last respects the configured minimum size.
func mergeUndersized(parts []string, min int) []string {
	if min <= 0 || len(parts) <= 1 {
		return parts
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(out) > 0 && utf8.RuneCountInString(out[len(out)-1]) < min {
			out[len(out)-1] = out[len(out)-1] + "\n" + p
			continue
		}
		out = append(out, p)
	}
	if len(out) > 1 && utf8.RuneCountInString(out[len(out)-1]) < min {
		last := out[len(out)-1]
		out = out[:len(out)-1]
		out[len(out)-1] = out[len(out)-1] + "\n" + last
	}
	return out
}

// classify picks a content type from the file extension, the same
// code-vs-prose heuristic the ingestion pipeline uses for embedding
// modality selection.
func classify(filePath string) atlas.ContentType {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".c", ".cc", ".cpp",
		".h", ".hpp", ".rs", ".rb", ".php", ".cs", ".kt", ".swift", ".scala", ".sh":
		return atlas.ContentCode
	default:
		return atlas.ContentProse
	}
}

func strategyFor(ct atlas.ContentType, cfg Config) (textsplitters.Splitter, error) {
	boundary := textsplitters.BoundaryConfig{
		Unit: textsplitters.UnitChars,
		Size: cfg.MaxChars,
	}
	switch ct {
	case atlas.ContentCode:
		return textsplitters.NewFromConfig(textsplitters.Config{
			Kind: textsplitters.KindCode,
			Code: textsplitters.CodeConfig{Within: boundary},
		})
	default:
		return textsplitters.NewFromConfig(textsplitters.Config{
			Kind:     textsplitters.KindMarkdown,
			Markdown: textsplitters.MarkdownConfig{Within: boundary},
		})
	}
}

// withOffsets locates each split part back in the original text, in order,
// so chunks carry stable byte ranges for future diffing. Parts come in
// left-to-right order; each is searched for from the end of the previous
// part and, failing that, from just after the previous part's start, since
// the fixed-window fallback's parts overlap by Config.Overlap.
func withOffsets(full string, parts []string, ct atlas.ContentType) []Piece {
	pieces := make([]Piece, 0, len(parts))
	cursor, prevStart := 0, -1
	for i, p := range parts {
		from := min(prevStart+1, len(full))
		start := strings.Index(full[cursor:], p)
		if start >= 0 {
			start += cursor
		} else if j := strings.Index(full[from:], p); j >= 0 {
			start = from + j
		} else {
			// Splitter normalized whitespace; fall back to sequential
			// best-effort offsets rather than failing the whole file.
			start = cursor
		}
		end := min(start+len(p), len(full))
		prevStart = start
		pieces = append(pieces, Piece{
			Index:       i,
			Text:        p,
			ByteStart:   start,
			ByteEnd:     end,
			ContentType: ct,
		})
		cursor = end
	}
	return pieces
}

// isBinary sniffs a bounded prefix for NUL bytes, then falls back to
// http.DetectContentType.
func isBinary(raw []byte, peek int, mimeHint string) bool {
	if mimeHint != "" {
		return !strings.HasPrefix(mimeHint, "text/") && mimeHint != "application/json"
	}
	n := len(raw)
	if n > peek {
		n = peek
	}
	sample := raw[:n]
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	ct := http.DetectContentType(sample)
	return !strings.HasPrefix(ct, "text/") && ct != "application/json" && !strings.Contains(ct, "xml")
}
