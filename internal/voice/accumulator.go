package voice

import "strings"

// TranscriptAccumulator collects streamed transcription deltas for one
// speaker until the turn completes.
type TranscriptAccumulator struct {
	b strings.Builder
}

func (a *TranscriptAccumulator) Append(delta string) {
	a.b.WriteString(delta)
}

func (a *TranscriptAccumulator) String() string {
	return a.b.String()
}

func (a *TranscriptAccumulator) Empty() bool {
	return a.b.Len() == 0
}

// TakeFinal returns the trimmed accumulated text and clears the accumulator.
// ok is false when nothing but whitespace was collected.
func (a *TranscriptAccumulator) TakeFinal() (text string, ok bool) {
	text = strings.TrimSpace(a.b.String())
	a.b.Reset()
	return text, text != ""
}

func (a *TranscriptAccumulator) Reset() {
	a.b.Reset()
}
