package stt

import (
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Rejection reasons reported by Filter.Accept.
const (
	RejectTooShort      = "too_short"
	RejectNoSpeech      = "no_speech"
	RejectLowConfidence = "low_confidence"
)

// Filter decides whether a final decode is good enough to publish, using the
// decoder's own confidence signals.
type Filter struct {
	cfg config.FilterConfig
}

func NewFilter(cfg config.FilterConfig) Filter {
	return Filter{cfg: cfg}
}

// Accept returns true for an acceptable result, otherwise false and the first
// failing reason.
func (f Filter) Accept(res Result) (bool, string) {
	text := strings.TrimSpace(res.Text)
	if text == "" || utf8.RuneCountInString(text) < f.cfg.MinChars {
		return false, RejectTooShort
	}
	if res.NoSpeechProb > f.cfg.MaxNoSpeechProb {
		return false, RejectNoSpeech
	}
	if res.AvgLogProb < f.cfg.MinAvgLogProb {
		return false, RejectLowConfidence
	}
	return true, ""
}

// Vocabulary is the runtime-settable decoding hint. Readers always see a
// whole value.
type Vocabulary struct {
	fallback string
	hint     atomic.Pointer[string]
}

func NewVocabulary(fallback string) *Vocabulary {
	return &Vocabulary{fallback: fallback}
}

// Set replaces the hint. An empty text restores the fallback.
func (v *Vocabulary) Set(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		v.hint.Store(nil)
		return
	}
	v.hint.Store(&text)
}

// Get returns the current hint, or the fallback when none is set.
func (v *Vocabulary) Get() string {
	if p := v.hint.Load(); p != nil {
		return *p
	}
	return v.fallback
}

// Custom reports whether a hint other than the fallback is set.
func (v *Vocabulary) Custom() bool {
	return v.hint.Load() != nil
}
