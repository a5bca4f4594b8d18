package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"duolink/internal/models"
	"duolink/internal/observability"

	"github.com/benbjohnson/clock"
)

var (
	// ErrNotVideoCall is returned for camera controls on an audio call.
	ErrNotVideoCall = errors.New("media: camera controls need a video call")
	// ErrNotJoined is returned for controls used outside a call.
	ErrNotJoined = errors.New("media: not in a call")
)

// State is the local media state shown by the call screen.
type State struct {
	ChannelID   string          `json:"channelId,omitempty"`
	CallType    models.CallType `json:"callType,omitempty"`
	Joined      bool            `json:"joined"`
	Connected   bool            `json:"connected"`
	RemoteID    string          `json:"remoteId,omitempty"`
	Muted       bool            `json:"muted"`
	Speaker     bool            `json:"speaker"`
	CameraOn    bool            `json:"cameraOn"`
	FrontCamera bool            `json:"frontCamera"`
	Active      bool            `json:"active"`
	Seconds     int             `json:"seconds"`
}

// Option configures Controls.
type Option func(*Controls)

// WithClock replaces the clock driving the duration counter.
func WithClock(clk clock.Clock) Option {
	return func(c *Controls) { c.clock = clk }
}

// Controls applies user intents to an Engine and tracks the resulting state.
// Each intent is idempotent: repeating a value does not reach the engine.
type Controls struct {
	engine Engine
	clock  clock.Clock

	mu      sync.Mutex
	state   State
	ticker  *clock.Ticker
	stop    chan struct{}
	updates chan State
}

// NewControls wraps engine.
func NewControls(engine Engine, opts ...Option) *Controls {
	c := &Controls{
		engine:  engine,
		clock:   clock.New(),
		updates: make(chan State, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join enters channelID. Audio calls start on the speakerphone, video calls
// start with the front camera on.
func (c *Controls) Join(ctx context.Context, channelID, localID string, callType models.CallType) error {
	video := callType == models.CallTypeVideo
	opts := JoinOptions{Video: video, Speakerphone: !video}
	if err := c.engine.Join(ctx, channelID, localID, opts); err != nil {
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.state = State{
		ChannelID:   channelID,
		CallType:    callType,
		Joined:      true,
		Speaker:     !video,
		CameraOn:    video,
		FrontCamera: true,
	}
	c.stop = stop
	c.mu.Unlock()

	go c.pump(stop)
	c.publish()
	observability.Logger.InfoContext(ctx, "media joined",
		slog.String("channel_id", channelID),
		slog.String("call_type", string(callType)),
	)
	return nil
}

// MarkActive starts the duration counter. It ticks once per second until Leave.
func (c *Controls) MarkActive() {
	c.mu.Lock()
	if !c.state.Joined || c.state.Active {
		c.mu.Unlock()
		return
	}
	c.state.Active = true
	c.ticker = c.clock.Ticker(time.Second)
	ticker, stop := c.ticker, c.stop
	c.mu.Unlock()

	go c.count(ticker, stop)
	c.publish()
}

func (c *Controls) count(ticker *clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.stop != stop {
				c.mu.Unlock()
				return
			}
			c.state.Seconds++
			c.mu.Unlock()
			c.publish()
		}
	}
}

func (c *Controls) pump(stop chan struct{}) {
	events := c.engine.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.mu.Lock()
			if c.stop != stop {
				c.mu.Unlock()
				return
			}
			switch ev.Kind {
			case EventJoined:
				c.state.Connected = true
			case EventRemoteJoined:
				c.state.RemoteID = ev.RemoteID
			case EventRemoteLeft:
				if c.state.RemoteID == ev.RemoteID {
					c.state.RemoteID = ""
				}
			}
			c.mu.Unlock()
			c.publish()
		}
	}
}

// Leave exits the channel, stops the counter and resets the state. Leaving
// when not joined is a no-op.
func (c *Controls) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.Joined {
		c.mu.Unlock()
		return nil
	}
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	close(c.stop)
	c.stop = nil
	channelID := c.state.ChannelID
	c.state = State{}
	c.mu.Unlock()

	c.publish()
	err := c.engine.Leave()
	observability.Logger.InfoContext(ctx, "media left", slog.String("channel_id", channelID))
	return err
}

// ToggleMute sets the microphone muted or live.
func (c *Controls) ToggleMute(muted bool) error {
	return c.apply(func(s *State) (bool, func() error, error) {
		if s.Muted == muted {
			return false, nil, nil
		}
		return true, func() error { return c.engine.SetMuted(muted) }, nil
	}, func(s *State) { s.Muted = muted })
}

// SetSpeaker routes audio to the speakerphone or the earpiece.
func (c *Controls) SetSpeaker(on bool) error {
	return c.apply(func(s *State) (bool, func() error, error) {
		if s.Speaker == on {
			return false, nil, nil
		}
		return true, func() error { return c.engine.SetSpeakerphone(on) }, nil
	}, func(s *State) { s.Speaker = on })
}

// ToggleCamera turns the camera on or off. Video calls only.
func (c *Controls) ToggleCamera(enabled bool) error {
	return c.apply(func(s *State) (bool, func() error, error) {
		if s.CallType != models.CallTypeVideo {
			return false, nil, ErrNotVideoCall
		}
		if s.CameraOn == enabled {
			return false, nil, nil
		}
		return true, func() error { return c.engine.SetCameraEnabled(enabled) }, nil
	}, func(s *State) { s.CameraOn = enabled })
}

// SwitchCamera flips between the front and back camera. It does nothing
// while the camera is off.
func (c *Controls) SwitchCamera() error {
	return c.apply(func(s *State) (bool, func() error, error) {
		if s.CallType != models.CallTypeVideo {
			return false, nil, ErrNotVideoCall
		}
		if !s.CameraOn {
			return false, nil, nil
		}
		return true, c.engine.SwitchCamera, nil
	}, func(s *State) { s.FrontCamera = !s.FrontCamera })
}

// apply runs an intent: check decides against the current state whether the
// engine must be called, and commit records the change once it succeeded.
func (c *Controls) apply(check func(*State) (bool, func() error, error), commit func(*State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Joined {
		return ErrNotJoined
	}
	changed, call, err := check(&c.state)
	if err != nil || !changed {
		return err
	}
	if err := call(); err != nil {
		return err
	}
	commit(&c.state)
	c.publishLocked()
	return nil
}

// State returns the current media state.
func (c *Controls) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Updates delivers the latest state after every change. Slow readers only
// see the most recent state.
func (c *Controls) Updates() <-chan State { return c.updates }

func (c *Controls) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
}

func (c *Controls) publishLocked() {
	select {
	case <-c.updates:
	default:
	}
	c.updates <- c.state
}
