package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"duolink/internal/observability"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var errAlreadyJoined = errors.New("media: already in a channel")

// PionEngine is an Engine backed by a pion PeerConnection carrying one Opus
// audio track and, on video calls, one VP8 video track. Muting and turning
// the camera off detach the track from its sender.
type PionEngine struct {
	mu         sync.Mutex
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	pc         *webrtc.PeerConnection
	channelID  string
	remoteID   string

	audio       *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	video       *webrtc.TrackLocalStaticSample
	videoSender *webrtc.RTPSender

	speaker     bool
	frontCamera bool

	events chan Event
}

// NewPionEngine returns an uninitialized engine. Join initializes it with
// defaults when Initialize was not called.
func NewPionEngine() *PionEngine {
	return &PionEngine{events: make(chan Event, 16), frontCamera: true}
}

// Initialize registers the default codecs and interceptors and records the
// ICE servers used by later joins.
func (e *PionEngine) Initialize(cfg Config) error {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return err
	}

	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if cfg.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	e.iceServers = servers
	return nil
}

// Join opens a PeerConnection for channelID and prepares the local offer.
func (e *PionEngine) Join(ctx context.Context, channelID, localID string, opts JoinOptions) error {
	e.mu.Lock()
	needsInit := e.api == nil
	e.mu.Unlock()
	if needsInit {
		if err := e.Initialize(Config{}); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc != nil {
		return errAlreadyJoined
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return err
	}
	if err := e.addTracks(pc, localID, opts); err != nil {
		_ = pc.Close()
		e.resetLocked()
		return err
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		known := e.remoteID == remote.StreamID()
		e.remoteID = remote.StreamID()
		e.mu.Unlock()
		if !known {
			e.emit(Event{Kind: EventRemoteJoined, RemoteID: remote.StreamID()})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		observability.Logger.Debug("peer connection state",
			slog.String("channel_id", channelID),
			slog.String("state", state.String()),
		)
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			e.mu.Lock()
			remote := e.remoteID
			e.remoteID = ""
			e.mu.Unlock()
			if remote != "" {
				e.emit(Event{Kind: EventRemoteLeft, RemoteID: remote})
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		_ = pc.Close()
		e.resetLocked()
		return err
	}

	e.pc = pc
	e.channelID = channelID
	e.speaker = opts.Speakerphone
	if opts.Muted {
		if err := e.audioSender.ReplaceTrack(nil); err != nil {
			observability.Logger.WarnContext(ctx, "initial mute failed", slog.String("error", err.Error()))
		}
	}
	e.emit(Event{Kind: EventJoined})
	return nil
}

func (e *PionEngine) addTracks(pc *webrtc.PeerConnection, localID string, opts JoinOptions) error {
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", localID)
	if err != nil {
		return err
	}
	audioSender, err := pc.AddTrack(audio)
	if err != nil {
		return err
	}
	e.audio, e.audioSender = audio, audioSender

	if !opts.Video {
		return nil
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", localID)
	if err != nil {
		return err
	}
	videoSender, err := pc.AddTrack(video)
	if err != nil {
		return err
	}
	e.video, e.videoSender = video, videoSender
	return nil
}

// LocalDescription returns the offer created by Join, or nil outside a channel.
func (e *PionEngine) LocalDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return nil
	}
	return e.pc.LocalDescription()
}

// SetRemoteDescription applies the remote party's answer.
func (e *PionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return ErrNotJoined
	}
	return e.pc.SetRemoteDescription(desc)
}

// Leave closes the PeerConnection. Leaving twice is a no-op.
func (e *PionEngine) Leave() error {
	e.mu.Lock()
	pc := e.pc
	e.resetLocked()
	e.mu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (e *PionEngine) resetLocked() {
	e.pc = nil
	e.channelID, e.remoteID = "", ""
	e.audio, e.audioSender = nil, nil
	e.video, e.videoSender = nil, nil
	e.frontCamera = true
}

func (e *PionEngine) SetMuted(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.audioSender == nil {
		return ErrNotJoined
	}
	if muted {
		return e.audioSender.ReplaceTrack(nil)
	}
	return e.audioSender.ReplaceTrack(e.audio)
}

// SetSpeakerphone records the output route. Device routing belongs to the
// platform audio layer.
func (e *PionEngine) SetSpeakerphone(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return ErrNotJoined
	}
	e.speaker = on
	return nil
}

func (e *PionEngine) SetCameraEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.videoSender == nil {
		return ErrNotVideoCall
	}
	if enabled {
		return e.videoSender.ReplaceTrack(e.video)
	}
	return e.videoSender.ReplaceTrack(nil)
}

func (e *PionEngine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.videoSender == nil {
		return ErrNotVideoCall
	}
	e.frontCamera = !e.frontCamera
	return nil
}

func (e *PionEngine) Events() <-chan Event { return e.events }

func (e *PionEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		observability.Logger.Warn("media event dropped", slog.String("kind", string(ev.Kind)))
	}
}
