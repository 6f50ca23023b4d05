// Package corpus loads raw text sources and splits them into chunks
// suitable for embedding.
package corpus

// Document is a raw text source read from disk. Documents exist only during
// index builds; they are not persisted independently.
type Document struct {
	// ID is the unique document identifier.
	ID string

	// Text is the full raw text content.
	Text string

	// SourcePath is the file the document was read from.
	SourcePath string

	// Metadata holds additional key-value pairs (e.g. corpus name).
	Metadata map[string]string
}

// Chunk is a fixed-size, overlapping segment of a Document.
type Chunk struct {
	// Text is the chunk content.
	Text string

	// Start and End are byte offsets into the source document text.
	Start int
	End   int

	// Index is the chunk's position within its document.
	Index int
}
