// Package media adapts the real-time audio/video engine to call controls:
// mute, speakerphone, camera, and the duration counter of an active call.
package media

import "context"

// Config carries the ICE servers the engine connects through.
type Config struct {
	STUNURLs     []string
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

// JoinOptions are the local media settings a channel is joined with.
type JoinOptions struct {
	Video        bool
	Muted        bool
	Speakerphone bool
}

// EventKind classifies engine events.
type EventKind string

const (
	EventJoined       EventKind = "joined"
	EventRemoteJoined EventKind = "remote_joined"
	EventRemoteLeft   EventKind = "remote_left"
)

// Event is reported by an Engine while it is in a channel.
type Event struct {
	Kind     EventKind
	RemoteID string
}

// Engine is the audio/video transport. Implementations report membership
// changes on Events; the channel stays open for the engine's lifetime.
type Engine interface {
	Initialize(cfg Config) error
	Join(ctx context.Context, channelID, localID string, opts JoinOptions) error
	Leave() error
	SetMuted(muted bool) error
	SetSpeakerphone(on bool) error
	SetCameraEnabled(enabled bool) error
	SwitchCamera() error
	Events() <-chan Event
}
