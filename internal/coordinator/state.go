package coordinator

import (
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// tabState is the playback state of one tab. Only the tab's queue worker
// writes it, and always under Coordinator.stateMu.
type tabState struct {
	pitch        int
	speed        float64
	videoID      *string
	capturing    bool
	handle       capture.Handle // live session handle while capturing
	rev          uint64
	lastActivity time.Time
}

func newTabState() *tabState {
	return &tabState{
		pitch:        protocol.PitchDefault,
		speed:        protocol.SpeedDefault,
		lastActivity: time.Now(),
	}
}

func (s *tabState) response() protocol.StateResponse {
	resp := protocol.StateResponse{
		Pitch:     s.pitch,
		Speed:     s.speed,
		Capturing: s.capturing,
		Revision:  s.rev,
	}
	if s.videoID != nil {
		id := *s.videoID
		resp.VideoID = &id
	}
	return resp
}

func (s *tabState) settings() protocol.VideoSettings {
	return protocol.VideoSettings{Pitch: s.pitch, Speed: s.speed}
}

// TabSnapshot is a read-only view of one tab for monitoring
type TabSnapshot struct {
	TabID        int       `json:"tab_id"`
	Pitch        int       `json:"pitch"`
	Speed        float64   `json:"speed"`
	VideoID      *string   `json:"video_id"`
	Capturing    bool      `json:"capturing"`
	BadgeText    string    `json:"badge_text"`
	BadgeColor   string    `json:"badge_color"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *tabState) snapshot(tabID int) TabSnapshot {
	resp := s.response()
	text, color := protocol.Badge(s.pitch)
	return TabSnapshot{
		TabID:        tabID,
		Pitch:        resp.Pitch,
		Speed:        resp.Speed,
		VideoID:      resp.VideoID,
		Capturing:    resp.Capturing,
		BadgeText:    text,
		BadgeColor:   color,
		LastActivity: s.lastActivity,
	}
}
