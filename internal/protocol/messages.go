package protocol

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownAction is returned for commands with an unrecognized action
var ErrUnknownAction = errors.New("unknown command action")

// Playback ranges and defaults
const (
	PitchMin     = -12
	PitchMax     = 12
	PitchDefault = 0

	SpeedMin     = 0.5
	SpeedMax     = 2.0
	SpeedDefault = 1.0

	// StoragePrefix namespaces persisted per-video settings
	StoragePrefix = "video_"
)

// SpeedPresets are the speed ratios offered by the control panel
var SpeedPresets = []float64{0.5, 0.75, 1, 1.25, 1.5, 2}

// Page → relay intent types
const (
	PageTypePing       = "PING"
	PageTypeSetPitch   = "SET_PITCH"
	PageTypeSetSpeed   = "SET_SPEED"
	PageTypeGetState   = "GET_STATE"
	PageTypeSetVideoID = "SET_VIDEO_ID"
)

// Relay → page notification types
const (
	NotifyPong  = "PONG"
	NotifyState = "STATE"
	NotifyError = "ERROR"
)

// Relay/panel → coordinator command actions
const (
	ActionSetPitch     = "SET_PITCH"
	ActionSetSpeed     = "SET_SPEED"
	ActionGetState     = "GET_STATE"
	ActionStartCapture = "START_CAPTURE"
	ActionStopCapture  = "STOP_CAPTURE"
	ActionVideoChanged = "VIDEO_CHANGED"
)

// Coordinator/panel → relay push actions
const (
	PushStateUpdate       = "STATE_UPDATE"
	PushError             = "ERROR"
	PushSetPitchFromPanel = "SET_PITCH_FROM_POPUP"
	PushSetSpeedFromPanel = "SET_SPEED_FROM_POPUP"
)

// Coordinator → audio processing commands
const (
	AudioStart    = "START"
	AudioStop     = "STOP"
	AudioSetPitch = "SET_PITCH"
	AudioSetSpeed = "SET_SPEED"
)

// PageMessage is an intent posted by the page script
type PageMessage struct {
	Type    string  `json:"type"`
	Value   float64 `json:"value,omitempty"`
	VideoID *string `json:"videoId,omitempty"`
}

// PageNotification is posted by the relay back to the page. PageState is
// set only on STATE, so PONG carries just the version and ERROR just the
// message.
type PageNotification struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	*PageState
	Message string `json:"message,omitempty"`
}

// PageState is the state payload of a STATE notification
type PageState struct {
	Pitch     int     `json:"pitch"`
	Speed     float64 `json:"speed"`
	VideoID   *string `json:"videoId"`
	Capturing bool    `json:"capturing"`
}

// Command is sent by a relay or the control panel to the coordinator.
// TabID is optional on the wire; relays fill it with their own tab.
type Command struct {
	Action  string  `json:"action"`
	Value   float64 `json:"value,omitempty"`
	TabID   int     `json:"tabId,omitempty"`
	VideoID *string `json:"videoId,omitempty"`
}

// StateResponse answers GET_STATE. Revision orders responses and pushes
// for the same tab; zero means unversioned.
type StateResponse struct {
	Pitch     int     `json:"pitch"`
	Speed     float64 `json:"speed"`
	VideoID   *string `json:"videoId"`
	Capturing bool    `json:"capturing"`
	Revision  uint64  `json:"revision,omitempty"`
}

// Push is delivered to a relay. Nil fields are left untouched by the receiver.
// A STATE_UPDATE with a Revision at or below one the receiver already applied
// is stale.
type Push struct {
	Action    string   `json:"action"`
	Pitch     *int     `json:"pitch,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Capturing *bool    `json:"capturing,omitempty"`
	Value     float64  `json:"value,omitempty"`
	Message   string   `json:"message,omitempty"`
	Revision  uint64   `json:"revision,omitempty"`
}

// StateUpdate builds a STATE_UPDATE push carrying the full state of resp
func StateUpdate(resp StateResponse) Push {
	return Push{
		Action:    PushStateUpdate,
		Pitch:     IntPtr(resp.Pitch),
		Speed:     FloatPtr(resp.Speed),
		Capturing: BoolPtr(resp.Capturing),
		Revision:  resp.Revision,
	}
}

// AudioCommand is sent by the coordinator to the audio processing context
type AudioCommand struct {
	Action       string  `json:"action"`
	StreamHandle string  `json:"streamHandle,omitempty"`
	Value        float64 `json:"value,omitempty"`
}

// VideoSettings is the persisted record for one video
type VideoSettings struct {
	Pitch int     `json:"pitch"`
	Speed float64 `json:"speed"`
}

// DefaultVideoSettings returns the neutral settings
func DefaultVideoSettings() VideoSettings {
	return VideoSettings{Pitch: PitchDefault, Speed: SpeedDefault}
}

// IsDefault reports whether the settings leave audio untouched
func (v VideoSettings) IsDefault() bool {
	return v.Pitch == PitchDefault && v.Speed == SpeedDefault
}

// Normalize clamps a record read back from storage
func (v VideoSettings) Normalize() VideoSettings {
	return VideoSettings{Pitch: ClampPitch(float64(v.Pitch)), Speed: ClampSpeed(v.Speed)}
}

// StorageKey returns the persistence key for a video id
func StorageKey(videoID string) string {
	return StoragePrefix + videoID
}

// ClampPitch rounds and clamps a pitch value into [PitchMin, PitchMax]
func ClampPitch(value float64) int {
	if math.IsNaN(value) {
		return PitchDefault
	}
	return int(math.Round(math.Max(PitchMin, math.Min(PitchMax, value))))
}

// ClampSpeed clamps a speed ratio into [SpeedMin, SpeedMax]
func ClampSpeed(value float64) float64 {
	if math.IsNaN(value) {
		return SpeedDefault
	}
	return math.Max(SpeedMin, math.Min(SpeedMax, value))
}

// IsPageMessage reports whether a page message type is one the relay accepts
func IsPageMessage(msgType string) bool {
	switch msgType {
	case PageTypePing, PageTypeSetPitch, PageTypeSetSpeed, PageTypeGetState, PageTypeSetVideoID:
		return true
	}
	return false
}

// ValidateCommand checks the action of a coordinator command
func ValidateCommand(cmd Command) error {
	switch cmd.Action {
	case ActionSetPitch, ActionSetSpeed, ActionGetState,
		ActionStartCapture, ActionStopCapture, ActionVideoChanged:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
}

// Badge returns the toolbar badge text and color for a pitch value
func Badge(pitch int) (text, color string) {
	switch {
	case pitch > 0:
		return fmt.Sprintf("+%d", pitch), "#4caf50"
	case pitch < 0:
		return fmt.Sprintf("%d", pitch), "#f44336"
	default:
		return "", "#666"
	}
}

// IntPtr, FloatPtr and BoolPtr build optional push fields
func IntPtr(v int) *int           { return &v }
func FloatPtr(v float64) *float64 { return &v }
func BoolPtr(v bool) *bool        { return &v }

// StringPtr returns nil for the empty string
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
