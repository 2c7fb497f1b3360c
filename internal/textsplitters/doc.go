// Package textsplitters provides strategies to split text for ingestion into
// the chunker.
//
// Extensibility
//
//	The package exposes a simple Splitter interface and a factory to construct
//	concrete implementations by type, allowing new methods to be added without
//	affecting callers.
//
// Implemented strategies
//   - Markdown-aware: splits on heading boundaries, then groups each section's
//     body by sentence/paragraph up to a target size.
//     Diagram: # H1 -> chunk(s); ## H2 -> chunk(s)
//   - Code-aware: splits on function/class/type block starts, then groups
//     oversized blocks the same way markdown groups section bodies.
//     Diagram: fn a(){...} | class C{...}
//   - Fixed-length (chars/tokens), the sliding-window fallback used when a
//     file has no boundaries for the above two to break on.
//     Diagram: |====100====||====100====||====100====|
//     Pros: Simple, fast, predictable.
//     Cons: Cuts mid-sentence; semantic drift; brittle across formats.
package textsplitters
