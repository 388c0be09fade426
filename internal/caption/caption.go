// Package caption holds caption values and the outputs they are delivered to.
package caption

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindPartial  Kind = "partial"
	KindAccurate Kind = "accurate"
)

// TimestampLayout is the wall-clock format used on the wire and in the
// transcript log.
const TimestampLayout = "15:04:05"

// Caption is an immutable caption value. NoSpeechProbability and
// AvgLogProbability are only meaningful for accurate captions.
type Caption struct {
	Kind                Kind
	Text                string
	At                  time.Time
	SessionID           string
	NoSpeechProbability float64
	AvgLogProbability   float64
}

func Partial(text string, at time.Time) Caption {
	return Caption{Kind: KindPartial, Text: text, At: at}
}

func Accurate(text string, at time.Time, noSpeech, avgLogProb float64) Caption {
	return Caption{
		Kind:                KindAccurate,
		Text:                text,
		At:                  at,
		NoSpeechProbability: noSpeech,
		AvgLogProbability:   avgLogProb,
	}
}

// Timestamp renders At as HH:MM:SS local time.
func (c Caption) Timestamp() string {
	return c.At.Local().Format(TimestampLayout)
}

type wireCaption struct {
	Kind                Kind     `json:"kind"`
	Text                string   `json:"text"`
	Timestamp           string   `json:"timestamp"`
	NoSpeechProbability *float64 `json:"no_speech_probability,omitempty"`
	AvgLogProbability   *float64 `json:"avg_log_probability,omitempty"`
	SessionID           string   `json:"session_id,omitempty"`
}

func (c Caption) MarshalJSON() ([]byte, error) {
	w := wireCaption{
		Kind:      c.Kind,
		Text:      c.Text,
		Timestamp: c.Timestamp(),
		SessionID: c.SessionID,
	}
	if c.Kind == KindAccurate {
		ns, lp := c.NoSpeechProbability, c.AvgLogProbability
		w.NoSpeechProbability = &ns
		w.AvgLogProbability = &lp
	}
	return json.Marshal(w)
}

// Sink receives captions as they are produced.
type Sink interface {
	Deliver(Caption)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Caption)

func (f SinkFunc) Deliver(c Caption) { f(c) }
