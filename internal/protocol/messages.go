package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// VocabularyHint replaces the decoding hint at runtime.
type VocabularyHint struct {
	Text string `json:"text"`
}

// TranscriptBatch is the plain-text handoff of accepted captions to
// downstream note-taking consumers.
type TranscriptBatch struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Lines     []string  `json:"lines"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectCaptionPartial    = "caption.partial"
	SubjectCaptionAccurate   = "caption.accurate"
	SubjectVocabularyControl = "caption.control.vocabulary"
	SubjectNotesTranscript   = "notes.transcript"

	StreamNotes = "NOTES"
)
