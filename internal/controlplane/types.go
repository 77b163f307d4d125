package controlplane

// LiveStreamState is one of the terminal/transitional states a session
// reports to the control plane via UpdateLiveStream, per spec.md §4.4/§6.2.
type LiveStreamState string

const (
	StateReady            LiveStreamState = "Ready"
	StateNotReady         LiveStreamState = "NotReady"
	StateFailed           LiveStreamState = "Failed"
	StateStopped          LiveStreamState = "Stopped"
	StateStoppedResumable LiveStreamState = "StoppedResumable"
)

// EventLevel is the severity of an Event update.
type EventLevel string

const (
	EventInfo    EventLevel = "Info"
	EventWarning EventLevel = "Warning"
	EventError   EventLevel = "Error"
)

// Variant describes one declared output track, per spec.md §3.
type Variant struct {
	ID         string `json:"id"`
	Name       string `json:"name"` // "source", "audio-only", "720p", ...
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	VideoCodec string `json:"video_codec,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
}

// AuthRequest is the AuthenticateLiveStream RPC request payload.
type AuthRequest struct {
	StreamKey     string
	AppName       string
	IPAddress     string
	IngestAddress string
	ConnectionID  string
}

// AuthResponse is the AuthenticateLiveStream RPC success payload.
type AuthResponse struct {
	StreamID   string
	Record     bool
	Transcode  bool
	TryResume  bool
	Variants   []Variant
}

// Update is one entry of an UpdateLiveStream call; exactly one field is
// non-nil, mirroring spec.md §6.2's tagged-union "updates[]".
type Update struct {
	State      *LiveStreamState
	Event      *EventPayload
	Bitrate    *BitratePayload
	Variants   []Variant
	ReadyState *bool
}

type EventPayload struct {
	Level   EventLevel
	Title   string
	Message string
}

type BitratePayload struct {
	Video    uint64
	Audio    uint64
	Metadata uint64
}

func StateUpdate(s LiveStreamState) Update { return Update{State: &s} }

func EventUpdate(level EventLevel, title, message string) Update {
	return Update{Event: &EventPayload{Level: level, Title: title, Message: message}}
}

func BitrateUpdate(video, audio, metadata uint64) Update {
	return Update{Bitrate: &BitratePayload{Video: video, Audio: audio, Metadata: metadata}}
}

func VariantsUpdate(v []Variant) Update { return Update{Variants: v} }

func ReadyStateUpdate(ready bool) Update { return Update{ReadyState: &ready} }
