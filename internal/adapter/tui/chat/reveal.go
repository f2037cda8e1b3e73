package chat

import (
	"time"
	"unicode"
)

// revealPace sets how a reply that arrived in one piece is put on screen.
// Streamed replies are shown as their steps arrive and are never revealed.
type revealPace int

const (
	paceSteady revealPace = iota
	paceFast
	paceOff
)

const revealRate = 30 * time.Millisecond

var paceNames = [...]string{"steady", "fast", "off"}

func (p revealPace) String() string {
	if p >= 0 && int(p) < len(paceNames) {
		return paceNames[p]
	}
	return "unknown"
}

func (p revealPace) next() revealPace {
	return (p + 1) % revealPace(len(paceNames))
}

// wordsPerTick is zero when replies are shown at once.
func (p revealPace) wordsPerTick() int {
	switch p {
	case paceSteady:
		return 2
	case paceFast:
		return 8
	}
	return 0
}

func parsePace(s string) (revealPace, bool) {
	for i, name := range paceNames {
		if s == name {
			return revealPace(i), true
		}
	}
	return 0, false
}

// reveal walks a finished reply forward a few words at a time, the way the
// engine would have streamed it.
type reveal struct {
	text  string
	ends  []int // byte offset just past each word
	shown int
}

func newReveal(text string) reveal {
	var ends []int
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inWord && space {
			ends = append(ends, i)
		}
		inWord = !space
	}
	if inWord || len(ends) == 0 {
		ends = append(ends, len(text))
	}
	return reveal{text: text, ends: ends}
}

func (r *reveal) active() bool {
	return r.text != "" && r.shown < len(r.ends)
}

// advance shows n more words and returns the visible prefix.
func (r *reveal) advance(n int) string {
	r.shown = min(r.shown+max(n, 1), len(r.ends))
	return r.text[:r.ends[r.shown-1]]
}
