package panel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// Connection status labels
const (
	StatusConnected    = "Connected"
	StatusDisconnected = "Not on karaoke page"
)

// Commander is what the panel needs from the rest of the system
type Commander interface {
	Dispatch(ctx context.Context, cmd protocol.Command) (protocol.StateResponse, error)
	RelayState(ctx context.Context, tabID int) (protocol.StateResponse, error)
	NotifyRelay(ctx context.Context, tabID int, push protocol.Push) error
}

// Panel is a control panel session bound to one tab
type Panel struct {
	cmd       Commander
	tabID     int
	state     protocol.StateResponse
	connected bool
	logger    *slog.Logger
}

// Open attaches to tabID. A tab whose relay does not answer leaves the panel
// disconnected; that is not an error.
func Open(ctx context.Context, cmd Commander, tabID int, logger *slog.Logger) *Panel {
	p := &Panel{
		cmd:    cmd,
		tabID:  tabID,
		state:  protocol.StateResponse{Pitch: protocol.PitchDefault, Speed: protocol.SpeedDefault},
		logger: logger,
	}

	if tabID <= 0 {
		return p
	}

	state, err := cmd.RelayState(ctx, tabID)
	if err != nil {
		logger.Debug("Relay did not answer", slog.Int("tab_id", tabID), slog.String("error", err.Error()))
		return p
	}

	p.state = state
	p.connected = true
	return p
}

// Connected reports whether the tab's relay answered
func (p *Panel) Connected() bool {
	return p.connected
}

// Status returns the connection label
func (p *Panel) Status() string {
	if p.connected {
		return StatusConnected
	}
	return StatusDisconnected
}

// State returns the panel's view of the tab
func (p *Panel) State() protocol.StateResponse {
	return p.state
}

// SetPitch clamps value and sends it to the relay and the coordinator
func (p *Panel) SetPitch(ctx context.Context, value float64) error {
	pitch := protocol.ClampPitch(value)
	p.state.Pitch = pitch

	p.notifyRelay(ctx, protocol.Push{Action: protocol.PushSetPitchFromPanel, Value: float64(pitch)})

	_, err := p.cmd.Dispatch(ctx, protocol.Command{Action: protocol.ActionSetPitch, Value: float64(pitch), TabID: p.tabID})
	if err != nil {
		return fmt.Errorf("failed to set pitch: %w", err)
	}
	return nil
}

// PitchUp raises the pitch by one semitone
func (p *Panel) PitchUp(ctx context.Context) error {
	return p.SetPitch(ctx, float64(p.state.Pitch+1))
}

// PitchDown lowers the pitch by one semitone
func (p *Panel) PitchDown(ctx context.Context) error {
	return p.SetPitch(ctx, float64(p.state.Pitch-1))
}

// SetSpeed sends a speed ratio to the relay and the coordinator
func (p *Panel) SetSpeed(ctx context.Context, value float64) error {
	speed := protocol.ClampSpeed(value)
	p.state.Speed = speed

	p.notifyRelay(ctx, protocol.Push{Action: protocol.PushSetSpeedFromPanel, Value: speed})

	_, err := p.cmd.Dispatch(ctx, protocol.Command{Action: protocol.ActionSetSpeed, Value: speed, TabID: p.tabID})
	if err != nil {
		return fmt.Errorf("failed to set speed: %w", err)
	}
	return nil
}

// Render draws the panel as text
func (p *Panel) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", p.Status())
	fmt.Fprintf(&b, "Pitch:  %s\n", FormatPitch(p.state.Pitch))

	b.WriteString("Speed: ")
	for _, preset := range protocol.SpeedPresets {
		label := fmt.Sprintf("%gx", preset)
		if preset == p.state.Speed {
			label = "[" + label + "]"
		}
		b.WriteString(" " + label)
	}
	b.WriteString("\n")

	if p.state.VideoID != nil {
		fmt.Fprintf(&b, "Video: %s\n", *p.state.VideoID)
	}
	if p.state.Capturing {
		b.WriteString("Capturing\n")
	}

	return b.String()
}

// FormatPitch renders a pitch as "+3 st", "-2 st" or "0 st"
func FormatPitch(pitch int) string {
	if pitch > 0 {
		return fmt.Sprintf("+%d st", pitch)
	}
	return fmt.Sprintf("%d st", pitch)
}

// notifyRelay is best effort: the relay may not exist
func (p *Panel) notifyRelay(ctx context.Context, push protocol.Push) {
	if err := p.cmd.NotifyRelay(ctx, p.tabID, push); err != nil {
		p.logger.Debug("Relay not notified",
			slog.Int("tab_id", p.tabID),
			slog.String("action", push.Action),
			slog.String("error", err.Error()),
		)
	}
}
