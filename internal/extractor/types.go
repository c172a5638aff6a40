package extractor

// Kind distinguishes audio-only formats from video formats.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// FormatDescriptor describes one selectable format of a piece of media.
type FormatDescriptor struct {
	FormatID     string `json:"formatId"`
	ContainerExt string `json:"containerExt"`
	Resolution   string `json:"resolution"`
	Filesize     string `json:"filesize"`
	Kind         Kind   `json:"kind"`
}

// MediaInfo is the normalized metadata for one URL, derived from the
// extractor's JSON dump.
type MediaInfo struct {
	Title     string             `json:"title"`
	Thumbnail string             `json:"thumbnail"`
	Duration  string             `json:"duration"`
	Formats   []FormatDescriptor `json:"formats"`
}
