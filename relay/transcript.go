package relay

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// transcript accumulates final segments and gates partial previews so the
// client never sees a shorter preview than the one before it. Lengths are
// counted in runes.
type transcript struct {
	mu          sync.Mutex
	final       strings.Builder
	lastEmitted int
}

// Final appends text and returns the whole accumulated transcript.
func (t *transcript) Final(text string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.final.WriteString(text)
	s := t.final.String()
	t.lastEmitted = utf8.RuneCountInString(s)
	return s
}

// Partial returns the preview for text and whether it is long enough to
// emit.
func (t *transcript) Partial(text string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	preview := t.final.String() + text
	n := utf8.RuneCountInString(preview)
	if n <= t.lastEmitted {
		return "", false
	}
	t.lastEmitted = n
	return preview, true
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final.String()
}
