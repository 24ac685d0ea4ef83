// Package session orchestrates one voice ordering session: the REST
// session, the transport channel, microphone capture, assistant playback and
// the cart.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/api"
	"github.com/room4-2/voiceorder/capture"
	"github.com/room4-2/voiceorder/cart"
	"github.com/room4-2/voiceorder/messages"
	"github.com/room4-2/voiceorder/playback"
	"github.com/room4-2/voiceorder/transport"
)

const defaultEndTimeout = 5 * time.Second

var (
	// ErrPermissionDenied is returned by Start when audio access is refused.
	ErrPermissionDenied = errors.New("session: audio permission denied")
	// ErrBusy is returned by Start when a session is already running.
	ErrBusy = errors.New("session: already started")
)

// API is the subset of the REST client the controller uses.
type API interface {
	CreateSession(ctx context.Context, businessID string, debug bool) (*api.VoiceSession, error)
	EndSession(ctx context.Context, sessionID string) error
	SendAudio(ctx context.Context, sessionID, audioData string, sampleRate int) error
	WebSocketURL(vs *api.VoiceSession) (string, error)
	AuthHeader() (http.Header, error)
}

// Options configures a Controller
type Options struct {
	BusinessID string
	Debug      bool

	API  API
	Cart cart.Store

	// CheckPermission verifies audio access before anything is opened.
	CheckPermission func(ctx context.Context) error
	// NewDevice opens the playback device for one session.
	NewDevice func() (playback.Device, error)
	// NewSource opens the capture source. Nil means listen-only.
	NewSource func() (capture.Source, error)
	// HTTPAudio sends captured audio through the REST fallback instead of
	// the socket.
	HTTPAudio bool

	Transport  transport.Config
	Capture    capture.Config
	EndTimeout time.Duration
	Logger     *zap.Logger
}

// resources are owned by one running session.
type resources struct {
	vs       *api.VoiceSession
	channel  *transport.Channel
	queue    *playback.Queue
	device   playback.Device
	pipeline *capture.Pipeline
	cancel   context.CancelFunc

	deviceOnce sync.Once
	idle       chan struct{} // closed once the device is closed
	doneOnce   sync.Once
	done       chan struct{} // closed once teardown has finished
}

func newResources() *resources {
	return &resources{
		idle: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (r *resources) closeDevice(logger *zap.Logger) {
	r.deviceOnce.Do(func() {
		if r.device != nil {
			if err := r.device.Close(); err != nil {
				logger.Warn("Closing playback device failed", zap.Error(err))
			}
		}
		close(r.idle)
	})
}

func (r *resources) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Controller runs voice sessions one at a time. The playback device and
// channel belong to the running session and are released when it ends.
type Controller struct {
	opts         Options
	logger       *zap.Logger
	conversation *Conversation
	sync         *cart.Synchronizer

	startMu sync.Mutex

	mu          sync.Mutex
	status      Status
	res         *resources
	last        *resources // most recently detached session
	cancelStart context.CancelFunc
	listenOnly  bool
	listeners   []func(from, to Status)
}

// New creates an idle controller.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cart == nil {
		opts.Cart = cart.NewMemoryStore()
	}
	if opts.EndTimeout <= 0 {
		opts.EndTimeout = defaultEndTimeout
	}
	return &Controller{
		opts:         opts,
		logger:       opts.Logger,
		conversation: NewConversation(),
		sync:         cart.NewSynchronizer(opts.Cart, opts.Logger),
		status:       Idle,
	}
}

// Conversation returns the session's message log.
func (c *Controller) Conversation() *Conversation {
	return c.conversation
}

// Cart returns the cart store the controller writes to.
func (c *Controller) Cart() cart.Store {
	return c.opts.Cart
}

// OnStatusChange registers fn to run after every status transition.
func (c *Controller) OnStatusChange(fn func(from, to Status)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Status returns the lifecycle status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectionStatus mirrors the channel state of the running session.
func (c *Controller) ConnectionStatus() transport.State {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res == nil || res.channel == nil {
		return transport.Disconnected
	}
	return res.channel.State()
}

// SessionID returns the backend session id, empty when no session runs.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res == nil || c.res.vs == nil {
		return ""
	}
	return c.res.vs.SessionID
}

// ListenOnly reports whether the running session has no microphone.
func (c *Controller) ListenOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenOnly
}

// Recording reports whether captured audio is being sent.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Active || c.res == nil || c.res.pipeline == nil {
		return false
	}
	return c.res.pipeline.Recording()
}

// Playing reports whether assistant audio is scheduled. After a channel
// drop this covers the audio still draining from the ended session.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	res := c.res
	if res == nil {
		res = c.last
	}
	c.mu.Unlock()
	return res != nil && res.queue != nil && res.queue.Playing()
}

// Done is closed once the most recent session has been torn down: after End
// returns, or after a dropped session has finished playing its queued audio
// and the remote cleanup call has returned. Before any session has started
// the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.res != nil:
		return c.res.done
	case c.last != nil:
		return c.last.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (c *Controller) transition(to Status) bool {
	c.mu.Lock()
	from := c.status
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.status = to
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.logger.Debug("Session status changed", zap.Stringer("from", from), zap.Stringer("to", to))
	for _, fn := range listeners {
		fn(from, to)
	}
	return true
}

func (c *Controller) system(format string, args ...any) {
	c.conversation.Append(EntrySystem, fmt.Sprintf(format, args...))
}

// Start opens a session: permission check, playback device, REST session,
// channel, then capture. Capture failure leaves the session running in
// listen-only mode. Any other failure releases everything opened so far.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if !c.transition(Connecting) {
		return ErrBusy
	}

	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()
	c.mu.Lock()
	c.cancelStart = cancelStart
	c.listenOnly = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelStart = nil
		c.mu.Unlock()
	}()

	res, err := c.open(startCtx)
	if err != nil {
		c.system("Could not start voice ordering: %v", err)
		c.transition(Idle)
		return err
	}

	c.mu.Lock()
	c.res = res
	c.mu.Unlock()
	c.transition(Active)

	if res.pipeline != nil {
		res.pipeline.SetRecording(true)
	}
	c.logger.Info("Voice session active", zap.String("sessionID", res.vs.SessionID), zap.Bool("listenOnly", res.pipeline == nil))

	if res.channel.State() != transport.Connected {
		c.system("Connection to the ordering assistant was lost.")
		go c.handleDrop(res)
	}
	return nil
}

func (c *Controller) open(ctx context.Context) (*resources, error) {
	if c.opts.CheckPermission != nil {
		if err := c.opts.CheckPermission(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}

	res := newResources()
	ok := false
	defer func() {
		if !ok {
			c.release(res)
		}
	}()

	device, err := c.opts.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	res.device = device
	res.queue = playback.NewQueue(device, c.logger)

	vs, err := c.opts.API.CreateSession(ctx, c.opts.BusinessID, c.opts.Debug)
	if err != nil {
		return nil, err
	}
	res.vs = vs

	logger := c.logger.With(zap.String("sessionID", vs.SessionID))
	url, err := c.opts.API.WebSocketURL(vs)
	if err != nil {
		return nil, err
	}
	header, err := c.opts.API.AuthHeader()
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	res.cancel = cancel

	queue := res.queue
	res.channel = transport.New(c.opts.Transport, func(msg messages.Inbound) {
		c.handleMessage(sessCtx, queue, msg)
	}, logger)
	channel := res.channel
	res.channel.OnStateChange(func(from, to transport.State) {
		c.onChannelState(channel, from, to)
	})

	if err := res.channel.Open(ctx, url, header); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res.pipeline = c.openCapture(sessCtx, res, logger)
	ok = true
	return res, nil
}

func (c *Controller) openCapture(ctx context.Context, res *resources, logger *zap.Logger) *capture.Pipeline {
	if c.opts.NewSource == nil {
		c.setListenOnly("no microphone configured")
		return nil
	}
	src, err := c.opts.NewSource()
	if err != nil {
		c.setListenOnly(err.Error())
		return nil
	}

	var sender capture.Sender = res.channel
	if c.opts.HTTPAudio {
		sender = &httpAudioSender{ctx: ctx, api: c.opts.API, sessionID: res.vs.SessionID, logger: logger}
	}

	p := capture.New(src, sender, c.opts.Capture, logger)
	if err := p.Start(ctx); err != nil {
		p.Stop()
		c.setListenOnly(err.Error())
		return nil
	}
	return p
}

func (c *Controller) setListenOnly(reason string) {
	c.logger.Warn("Microphone unavailable, continuing listen-only", zap.String("reason", reason))
	c.mu.Lock()
	c.listenOnly = true
	c.mu.Unlock()
	c.system("Microphone unavailable (%s). The assistant can still speak.", reason)
}

// SetRecording turns microphone streaming on or off. It returns false when
// there is no active session with a microphone.
func (c *Controller) SetRecording(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Active || c.res == nil || c.res.pipeline == nil {
		return false
	}
	if on && c.res.channel.State() != transport.Connected {
		return false
	}
	c.res.pipeline.SetRecording(on)
	return true
}

// StopPlayback silences the assistant and drops queued audio.
func (c *Controller) StopPlayback() {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res != nil && res.queue != nil {
		res.queue.Stop()
	}
}

// End tears the session down: recording off, playback flushed, channel
// closed (with end_session when still connected), capture stopped, device
// closed, then the best-effort remote delete. It is safe to call repeatedly
// and in any status.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelStart != nil {
		c.cancelStart()
	}
	c.mu.Unlock()

	c.startMu.Lock()
	defer c.startMu.Unlock()

	res := c.detach()
	if res == nil {
		c.cutDrain(ctx)
		return nil
	}

	if res.pipeline != nil {
		res.pipeline.SetRecording(false)
	}
	res.queue.Stop()
	res.channel.Close(true)
	if res.pipeline != nil {
		res.pipeline.Stop()
	}
	res.closeDevice(c.logger)
	c.endRemote(ctx, res)
	res.cancel()
	res.finish()

	c.logger.Info("Voice session ended", zap.String("sessionID", res.vs.SessionID))
	return nil
}

// cutDrain silences a dropped session that is still playing out its queue
// and waits for its teardown to finish.
func (c *Controller) cutDrain(ctx context.Context) {
	c.mu.Lock()
	res := c.last
	c.mu.Unlock()
	if res == nil {
		return
	}
	select {
	case <-res.done:
		return
	default:
	}

	res.queue.Stop()
	res.closeDevice(c.logger)
	select {
	case <-res.done:
	case <-ctx.Done():
	}
}

// detach takes ownership of the running session's resources, moving the
// status to Ended. It returns nil when no session is active.
func (c *Controller) detach() *resources {
	c.mu.Lock()
	if c.status != Active || c.res == nil {
		c.mu.Unlock()
		return nil
	}
	res := c.res
	c.res = nil
	c.last = res
	c.mu.Unlock()

	c.transition(Ended)
	return res
}

func (c *Controller) endRemote(ctx context.Context, res *resources) {
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.EndTimeout)
	defer cancel()
	if err := c.opts.API.EndSession(endCtx, res.vs.SessionID); err != nil {
		c.logger.Warn("Remote session cleanup failed", zap.String("sessionID", res.vs.SessionID), zap.Error(err))
	}
}

// release frees whatever a failed startup managed to open.
func (c *Controller) release(res *resources) {
	if res.pipeline != nil {
		res.pipeline.Stop()
	}
	if res.channel != nil {
		res.channel.Close(false)
	}
	if res.queue != nil {
		res.queue.Stop()
	}
	res.closeDevice(c.logger)
	if res.vs != nil {
		c.endRemote(context.Background(), res)
	}
	if res.cancel != nil {
		res.cancel()
	}
	res.finish()
}

func (c *Controller) onChannelState(ch *transport.Channel, from, to transport.State) {
	if from != transport.Connected {
		return
	}

	c.mu.Lock()
	res := c.res
	current := res != nil && res.channel == ch && c.status == Active
	if current && res.pipeline != nil {
		res.pipeline.SetRecording(false)
	}
	c.mu.Unlock()

	if !current {
		return
	}
	if to == transport.Error {
		c.system("Connection to the ordering assistant was lost.")
	} else {
		c.system("The ordering assistant closed the session.")
	}
	go c.handleDrop(res)
}

// handleDrop ends a session whose channel went away. Audio already
// scheduled keeps playing; the device closes once it goes idle, and Done is
// closed after that and the remote cleanup.
func (c *Controller) handleDrop(res *resources) {
	c.mu.Lock()
	if c.res != res {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.detach() != res {
		return
	}

	if res.pipeline != nil {
		res.pipeline.SetRecording(false)
	}
	res.channel.Close(false)
	if res.pipeline != nil {
		res.pipeline.Stop()
	}

	res.queue.OnIdle(func() { res.closeDevice(c.logger) })
	if !res.queue.Playing() {
		res.closeDevice(c.logger)
	}

	c.endRemote(context.Background(), res)
	<-res.idle
	res.cancel()
	res.finish()
	c.logger.Info("Voice session ended after channel loss", zap.String("sessionID", res.vs.SessionID))
}

func (c *Controller) handleMessage(ctx context.Context, queue *playback.Queue, msg messages.Inbound) {
	switch m := msg.(type) {
	case *messages.SessionReady:
		if m.AudioConfig != nil {
			rate := c.captureRate()
			if m.AudioConfig.SampleRate != 0 && m.AudioConfig.SampleRate != rate {
				c.logger.Warn("Backend expects a different capture rate",
					zap.Int("expected", m.AudioConfig.SampleRate),
					zap.Int("capture", rate))
			}
		}
		text := m.Message
		if text == "" {
			text = "Voice session ready."
		}
		c.conversation.Append(EntrySystem, text)

	case *messages.AudioOutput:
		queue.Enqueue(playback.Frame{Data: m.AudioData, SampleRate: m.SampleRate})

	case *messages.TextOutput:
		if m.Interrupted() {
			c.logger.Debug("Assistant interrupted, flushing playback")
			queue.Stop()
			return
		}
		if m.Content == "" {
			return
		}
		typ := EntryAssistant
		if m.FromUser() {
			typ = EntryUser
		}
		c.conversation.Append(typ, m.Content)

	case *messages.CartUpdated:
		summary, err := c.sync.Apply(ctx, cart.EventFromMessage(m))
		if err != nil {
			c.logger.Warn("Cart update rejected", zap.String("action", m.Action), zap.Error(err))
			c.system("Cart update failed: %v", err)
			return
		}
		c.conversation.Append(EntryAssistant, summary)

	case *messages.Error:
		c.system("Error: %s", m.Message)

	case *messages.Pong, *messages.Heartbeat:
		c.logger.Debug("Keepalive received", zap.String("type", msg.MessageType()))
	}
}

func (c *Controller) captureRate() int {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res == nil || res.pipeline == nil {
		return capture.DefaultSampleRate
	}
	return res.pipeline.SampleRate()
}

// httpAudioSender posts captured frames through the REST fallback.
type httpAudioSender struct {
	ctx       context.Context
	api       API
	sessionID string
	logger    *zap.Logger
}

func (s *httpAudioSender) Send(msg messages.Outbound) bool {
	in, ok := msg.(*messages.AudioInput)
	if !ok {
		return false
	}
	if err := s.api.SendAudio(s.ctx, s.sessionID, in.AudioData, in.SampleRate); err != nil {
		s.logger.Warn("HTTP audio upload failed", zap.Error(err))
		return false
	}
	return true
}
