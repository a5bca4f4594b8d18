// Package mediatest provides a recording media engine for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"duolink/internal/media"
)

// Engine records every call it receives. Set the Fn fields to inject failures.
type Engine struct {
	JoinFn  func(channelID, localID string, opts media.JoinOptions) error
	LeaveFn func() error

	mu     sync.Mutex
	calls  []string
	events chan media.Event
}

// NewEngine returns an Engine whose event channel holds up to 16 events.
func NewEngine() *Engine {
	return &Engine{events: make(chan media.Event, 16)}
}

func (e *Engine) record(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded calls in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Emit queues an engine event.
func (e *Engine) Emit(ev media.Event) { e.events <- ev }

func (e *Engine) Initialize(media.Config) error {
	e.record("initialize")
	return nil
}

func (e *Engine) Join(_ context.Context, channelID, localID string, opts media.JoinOptions) error {
	e.record("join %s %s video=%t speaker=%t", channelID, localID, opts.Video, opts.Speakerphone)
	if e.JoinFn != nil {
		return e.JoinFn(channelID, localID, opts)
	}
	return nil
}

func (e *Engine) Leave() error {
	e.record("leave")
	if e.LeaveFn != nil {
		return e.LeaveFn()
	}
	return nil
}

func (e *Engine) SetMuted(muted bool) error {
	e.record("muted=%t", muted)
	return nil
}

func (e *Engine) SetSpeakerphone(on bool) error {
	e.record("speaker=%t", on)
	return nil
}

func (e *Engine) SetCameraEnabled(enabled bool) error {
	e.record("camera=%t", enabled)
	return nil
}

func (e *Engine) SwitchCamera() error {
	e.record("switch_camera")
	return nil
}

func (e *Engine) Events() <-chan media.Event { return e.events }
