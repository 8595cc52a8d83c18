package preview

import (
	"fmt"
	"io"
	"strings"
)

var levels = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the frame as one line of block characters, at most
// width runes wide, keeping the newest values.
func Sparkline(fr Frame, width int) string {
	vals := fr.Values
	if width > 0 && len(vals) > width {
		vals = vals[len(vals)-width:]
	}
	span := fr.Peak * 1.2
	if span <= 0 {
		span = minPeak * 1.2
	}
	var b strings.Builder
	for _, v := range vals {
		// -span..span onto 0..1
		y := 0.5 + v/(2*span)
		idx := int(y * float64(len(levels)))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(levels) {
			idx = len(levels) - 1
		}
		b.WriteRune(levels[idx])
	}
	return b.String()
}

// TextSink writes each frame as a carriage-return refreshed sparkline.
type TextSink struct {
	W     io.Writer
	Width int
}

func (s TextSink) Draw(fr Frame) {
	fmt.Fprintf(s.W, "\r%s", Sparkline(fr, s.Width))
}
