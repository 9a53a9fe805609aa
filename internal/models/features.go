package models

// Analysis modes recorded alongside the features.
const (
	ModeStandard = "standard"
	ModeEnhanced = "enhanced"
)

// Features is the persistable result of a successful analysis. Everything in
// here is written verbatim to the track row; nothing transient belongs in it.
type Features struct {
	Mode            string         `json:"analysisMode"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	BitRate         int64          `json:"bitRate,omitempty"`
	SampleRate      int            `json:"sampleRate,omitempty"`
	Channels        int            `json:"channels,omitempty"`
	Codec           string         `json:"codec,omitempty"`
	Container       string         `json:"container,omitempty"`
	Extracted       map[string]any `json:"extracted,omitempty"`
}
