package transcription

// Segment is a timestamped span of text within one chunk's output. After
// stitching, Start and End are expressed in the source file's timeline.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is the single output shape every provider must produce. The outer
// pipeline relies on this being structurally identical regardless of backend.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
}

// AudioChunk is a bounded slice of the source audio, transcribed
// independently and discarded afterwards.
type AudioChunk struct {
	Path        string
	StartOffset float64
	Duration    float64
	Index       int
}

// IsSource reports whether the chunk is the unsplit source file itself, in
// which case the coordinator must not delete it.
func (c AudioChunk) IsSource(sourcePath string) bool {
	return c.Path == sourcePath
}
