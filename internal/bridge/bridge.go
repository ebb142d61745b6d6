package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caavoice/evibridge/internal/calllog"
	"github.com/caavoice/evibridge/internal/observe"
	"github.com/caavoice/evibridge/pkg/audio"
	"github.com/caavoice/evibridge/pkg/evi"
	"github.com/caavoice/evibridge/pkg/telephony"
)

const (
	// telephonyRate is the sample rate of the mu-law leg. Media streams are
	// always 8 kHz mono.
	telephonyRate = 8000

	// handshakeTimeout bounds how long an accepted socket may take to
	// deliver its start frame.
	handshakeTimeout = 10 * time.Second
)

// Config assembles a Bridge. Engine is required; everything else has a
// usable default.
type Config struct {
	// Engine dials the voice engine for each accepted call.
	Engine *evi.Provider

	// Registry tracks live sessions. Defaults to a fresh registry.
	Registry *Registry

	// CallLog receives call records. Defaults to [calllog.Noop].
	CallLog calllog.Store

	// Metrics receives bridge instruments. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ConnectTimeout bounds the engine dial per call. Defaults to 10s.
	ConnectTimeout time.Duration

	// DrainGrace bounds playout after a session starts draining. Defaults
	// to 3s.
	DrainGrace time.Duration

	// MaxBuffer caps the playout queue, expressed as audio duration at the
	// telephony rate. Defaults to 1s.
	MaxBuffer time.Duration
}

// Bridge accepts telephony media streams and runs one bridged session per
// call. It is safe for concurrent use.
type Bridge struct {
	engine         *evi.Provider
	registry       *Registry
	calls          calllog.Store
	metrics        *observe.Metrics
	transcoder     audio.Transcoder
	connectTimeout time.Duration

	// limitsMu guards drainGrace and maxBuffer, which may be swapped at
	// runtime by a config reload.
	limitsMu   sync.RWMutex
	drainGrace time.Duration
	maxBuffer  time.Duration
}

// New creates a Bridge from cfg.
func New(cfg Config) (*Bridge, error) {
	if cfg.Engine == nil {
		return nil, errors.New("bridge: engine provider is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.CallLog == nil {
		cfg.CallLog = calllog.Noop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 3 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = time.Second
	}

	tr, err := audio.NewTranscoder(telephonyRate, cfg.Engine.SampleRate())
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	return &Bridge{
		engine:         cfg.Engine,
		registry:       cfg.Registry,
		calls:          cfg.CallLog,
		metrics:        cfg.Metrics,
		transcoder:     tr,
		connectTimeout: cfg.ConnectTimeout,
		drainGrace:     cfg.DrainGrace,
		maxBuffer:      cfg.MaxBuffer,
	}, nil
}

// Registry returns the session registry the bridge registers calls in.
func (b *Bridge) Registry() *Registry { return b.registry }

// UpdateLimits swaps the drain grace and playout budget used for sessions
// accepted after the call. Sessions already in flight keep the limits they
// started with. Non-positive values leave the current limit unchanged.
func (b *Bridge) UpdateLimits(drainGrace, maxBuffer time.Duration) {
	b.limitsMu.Lock()
	defer b.limitsMu.Unlock()
	if drainGrace > 0 {
		b.drainGrace = drainGrace
	}
	if maxBuffer > 0 {
		b.maxBuffer = maxBuffer
	}
}

// AcceptTelephony takes ownership of an accepted media stream connection,
// performs the stream handshake, dials the engine, and pumps audio until the
// call ends. It blocks for the lifetime of the call and always closes conn.
func (b *Bridge) AcceptTelephony(ctx context.Context, conn *telephony.Conn) error {
	defer conn.Close()

	start, err := b.awaitStart(ctx, conn)
	if err != nil {
		return err
	}

	sess := newSession(start.CallSID, start.StreamSID, b.queueBudgetBytes(), b.drainGraceLimit())
	if err := b.registry.Register(sess); err != nil {
		return fmt.Errorf("%w (call %s)", err, start.CallSID)
	}
	defer b.registry.Remove(sess.CallID)

	log := observe.Logger(ctx).With(
		slog.String("call_id", sess.CallID),
		slog.String("stream_sid", sess.StreamSID),
	)
	log.Info("call stream started")

	b.metrics.ActiveSessions.Add(ctx, 1)
	defer b.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	if err := b.calls.Begin(ctx, calllog.Record{
		CallID:    sess.CallID,
		StreamSID: sess.StreamSID,
		StartedAt: sess.StartedAt,
	}); err != nil {
		log.Warn("call record begin failed", "err", err)
	}
	defer b.finishCallRecord(ctx, sess, log)

	esess, err := b.dialEngine(ctx)
	if err != nil {
		sess.closeNow(EndReasonEngineError)
		log.Error("engine connect failed", "err", err)
		return err
	}
	defer esess.Close()
	esess.OnError(func(e error) {
		log.Warn("engine reported error", "err", e)
	})

	return b.run(ctx, sess, conn, esess, log)
}

// awaitStart reads handshake frames until the start frame arrives. A media
// frame before start is a protocol violation; connected frames are expected
// and skipped.
func (b *Bridge) awaitStart(ctx context.Context, conn *telephony.Conn) (*telephony.StartInfo, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		frame, err := conn.ReadFrame(hctx)
		if err != nil {
			if errors.Is(err, telephony.ErrUnknownFrame) {
				b.metrics.RecordFrameError(ctx, "unknown_frame")
				continue
			}
			if errors.Is(err, telephony.ErrProtocolViolation) {
				b.metrics.RecordFrameError(ctx, "protocol_violation")
			}
			return nil, fmt.Errorf("bridge: stream handshake: %w", err)
		}
		switch frame.Kind {
		case telephony.KindConnected:
			continue
		case telephony.KindStart:
			return frame.Start, nil
		case telephony.KindStop:
			return nil, fmt.Errorf("bridge: stream stopped before start")
		default:
			b.metrics.RecordFrameError(ctx, "protocol_violation")
			return nil, fmt.Errorf("%w: %q frame before start", telephony.ErrProtocolViolation, frame.Kind)
		}
	}
}

// dialEngine connects an engine session, recording connect latency.
func (b *Bridge) dialEngine(ctx context.Context) (*evi.Session, error) {
	dctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	began := time.Now()
	esess, err := b.engine.Connect(dctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: engine connect: %w", err)
	}
	b.metrics.EngineConnectDuration.Record(ctx, time.Since(began).Seconds())
	return esess, nil
}

// queueBudgetBytes converts the playout budget duration into mu-law bytes.
func (b *Bridge) queueBudgetBytes() int {
	b.limitsMu.RLock()
	defer b.limitsMu.RUnlock()
	return int(b.maxBuffer * telephonyRate / time.Second)
}

func (b *Bridge) drainGraceLimit() time.Duration {
	b.limitsMu.RLock()
	defer b.limitsMu.RUnlock()
	return b.drainGrace
}

// run pumps both legs until the session closes. Four goroutines cooperate:
// the inbound loop (caller audio to engine), the engine loop (engine events
// to the playout queue), the playout loop (queue to caller socket), and a
// teardown watcher that force-closes both sockets once the session is done
// so blocked reads unwind.
func (b *Bridge) run(ctx context.Context, sess *Session, conn *telephony.Conn, esess *evi.Session, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			sess.closeNow(EndReasonShutdown)
		case <-sess.Done():
		}
		conn.Close()
		esess.Close()
		return nil
	})

	g.Go(func() error { return b.inboundLoop(gctx, sess, conn, esess, log) })
	g.Go(func() error { return b.engineLoop(gctx, sess, esess, log) })
	g.Go(func() error { return b.playoutLoop(gctx, sess, conn, log) })
	g.Go(func() error { return b.drainWatch(gctx, sess, log) })

	err := g.Wait()
	sess.closeNow(EndReasonShutdown)

	inbound, outbound := sess.FrameCounts()
	log.Info("call stream ended",
		slog.String("reason", sess.EndReason()),
		slog.Uint64("inbound_frames", inbound),
		slog.Uint64("outbound_frames", outbound),
		slog.Duration("duration", time.Since(sess.StartedAt)),
	)
	b.metrics.SessionDuration.Record(context.WithoutCancel(ctx), time.Since(sess.StartedAt).Seconds())
	return err
}

// inboundLoop forwards caller audio to the engine until the stream stops.
func (b *Bridge) inboundLoop(ctx context.Context, sess *Session, conn *telephony.Conn, esess *evi.Session, log *slog.Logger) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, telephony.ErrUnknownFrame):
				b.metrics.RecordFrameError(ctx, "unknown_frame")
				log.Debug("dropping unknown frame", "err", err)
				continue
			case errors.Is(err, telephony.ErrProtocolViolation):
				b.metrics.RecordFrameError(ctx, "protocol_violation")
				sess.closeNow(EndReasonProtocolError)
				return fmt.Errorf("bridge: inbound: %w", err)
			default:
				// The socket is gone. Expected after a stop or teardown.
				if sess.State() != StateConnecting && sess.State() != StateStreaming {
					return nil
				}
				sess.closeNow(EndReasonSocketError)
				return nil
			}
		}

		switch frame.Kind {
		case telephony.KindMedia:
			pcm, err := b.transcoder.ToEngine(frame.Media.Payload)
			if err != nil {
				b.metrics.RecordFrameError(ctx, "malformed_audio")
				log.Debug("dropping malformed caller audio", "err", err)
				continue
			}
			if err := esess.SendAudio(pcm); err != nil {
				if sess.State() == StateDraining || sess.State() == StateClosed {
					return nil
				}
				sess.closeNow(EndReasonEngineError)
				return fmt.Errorf("bridge: send to engine: %w", err)
			}
			sess.addInbound()
			b.metrics.RecordFrame(ctx, observe.DirectionInbound)

		case telephony.KindStop:
			sess.beginDrain(EndReasonCallerStop)
			return nil

		case telephony.KindDTMF:
			log.Debug("dtmf received", "digit", frame.DTMF)

		case telephony.KindStart:
			b.metrics.RecordFrameError(ctx, "protocol_violation")
			sess.closeNow(EndReasonProtocolError)
			return fmt.Errorf("%w: repeated start frame", telephony.ErrProtocolViolation)

		case telephony.KindConnected, telephony.KindMark:
			// Informational only.
		}
	}
}

// engineLoop consumes engine events: readiness flips the session to
// Streaming, audio is transcoded onto the playout queue, and interruptions
// flush the queue and enqueue a clear marker for the playout loop. The
// playout loop is the only writer on the caller socket, which keeps the
// clear strictly ordered after any chunk already handed to it.
func (b *Bridge) engineLoop(ctx context.Context, sess *Session, esess *evi.Session, log *slog.Logger) error {
	for {
		var (
			evt evi.Event
			ok  bool
		)
		select {
		case <-ctx.Done():
			return nil
		case evt, ok = <-esess.Events():
		}
		if !ok {
			if err := esess.Err(); err != nil && sess.State() != StateDraining && sess.State() != StateClosed {
				sess.closeNow(EndReasonEngineError)
				return fmt.Errorf("bridge: engine stream: %w", err)
			}
			sess.beginDrain(EndReasonEngineClosed)
			return nil
		}

		switch evt.Kind {
		case evi.EventReady:
			if sess.markStreaming() {
				log.Info("engine ready", "chat_id", evt.ChatID)
			}

		case evi.EventAudio:
			sess.setInterrupted(false)
			chunk, err := b.transcoder.ToTelephony(evt.Audio)
			if err != nil {
				b.metrics.RecordFrameError(ctx, "malformed_audio")
				log.Debug("dropping malformed engine audio", "err", err)
				continue
			}
			if dropped := sess.queue.push(chunk); dropped > 0 {
				sess.addDropped(dropped)
				b.metrics.RecordBackpressureDrop(ctx, dropped)
				log.Warn("playout queue overflow", "dropped_bytes", dropped)
			}

		case evi.EventInterruption:
			sess.setInterrupted(true)
			flushed := sess.queue.interrupt()
			b.metrics.RecordInterruption(ctx)
			log.Info("caller barge-in", "flushed_bytes", flushed)

		case evi.EventUserMessage, evi.EventAssistantMessage:
			role := "user"
			if evt.Kind == evi.EventAssistantMessage {
				role = "assistant"
			}
			if err := b.calls.AddMessage(ctx, sess.CallID, role, evt.Text); err != nil {
				log.Warn("transcript record failed", "err", err)
			}
			log.Debug("transcript", "role", role, "content", evt.Text)
		}
	}
}

// playoutLoop owns all writes to the caller socket: queued engine audio and
// the clear markers that follow a barge-in. When the session is draining it
// exits as soon as the queue is empty, closing the session cleanly.
func (b *Bridge) playoutLoop(ctx context.Context, sess *Session, conn *telephony.Conn, log *slog.Logger) error {
	for {
		if sess.State() == StateClosed {
			return nil
		}

		if item, ok := sess.queue.pop(); ok {
			var err error
			if item.clear {
				err = conn.WriteClear(ctx, sess.StreamSID)
			} else {
				err = conn.WriteMedia(ctx, sess.StreamSID, item.data)
			}
			if err != nil {
				if sess.State() == StateDraining || sess.State() == StateClosed {
					return nil
				}
				sess.closeNow(EndReasonSocketError)
				return nil
			}
			if !item.clear {
				sess.addOutbound()
				b.metrics.RecordFrame(ctx, observe.DirectionOutbound)
			}
			continue
		}

		// Queue is empty. A draining session with nothing left to play is
		// finished.
		if sess.State() == StateDraining {
			sess.closeNow("")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case <-sess.queue.wake:
		}
	}
}

// drainWatch bounds the Draining state: if playout has not finished within
// the grace period, the session is force-closed.
func (b *Bridge) drainWatch(ctx context.Context, sess *Session, log *slog.Logger) error {
	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		return nil
	case <-sess.Draining():
	}

	timer := time.NewTimer(sess.drainGrace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-sess.Done():
	case <-timer.C:
		if sess.closeNow(EndReasonDrainTimeout) {
			log.Warn("drain grace expired with audio still queued",
				"pending_bytes", sess.queue.pending())
		}
	}
	return nil
}

// finishCallRecord writes the final call record. It runs during teardown,
// so it uses a context detached from the (possibly cancelled) request.
func (b *Bridge) finishCallRecord(ctx context.Context, sess *Session, log *slog.Logger) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	inbound, outbound := sess.FrameCounts()
	err := b.calls.End(ectx, sess.CallID, calllog.End{
		EndedAt:        time.Now(),
		Reason:         sess.EndReason(),
		InboundFrames:  inbound,
		OutboundFrames: outbound,
		DroppedBytes:   sess.DroppedBytes(),
	})
	if err != nil {
		log.Warn("call record end failed", "err", err)
	}
}
