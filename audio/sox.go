package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// ErrNoAudioDevice is returned when the sox binary used to reach the local
// sound card is not available.
var ErrNoAudioDevice = errors.New("audio: sox not found in PATH")

func soxRawArgs(sampleRate int) []string {
	return []string{
		"-t", "raw",
		"-r", strconv.Itoa(sampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
	}
}

// SoxRecorder captures mono PCM16 from the default input device through a
// sox subprocess. Echo cancellation, noise suppression and gain control are
// left to the operating system's input chain.
type SoxRecorder struct {
	sampleRate int
	logger     *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	closed bool
}

// NewSoxRecorder creates a recorder producing samples at sampleRate.
func NewSoxRecorder(sampleRate int, logger *zap.Logger) *SoxRecorder {
	return &SoxRecorder{sampleRate: sampleRate, logger: logger}
}

// SampleRate returns the capture rate in Hz.
func (r *SoxRecorder) SampleRate() int {
	return r.sampleRate
}

// CheckPermission reports whether the input device can be opened.
func (r *SoxRecorder) CheckPermission(ctx context.Context) error {
	if _, err := exec.LookPath("sox"); err != nil {
		return fmt.Errorf("%w: %v", ErrNoAudioDevice, err)
	}
	return nil
}

// Start launches the capture process.
func (r *SoxRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("audio: recorder closed")
	}
	if r.cmd != nil {
		return nil
	}

	args := append([]string{"-q", "-d"}, soxRawArgs(r.sampleRate)...)
	args = append(args, "-")
	cmd := exec.CommandContext(ctx, "sox", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio: sox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audio: start sox recorder: %w", err)
	}

	r.cmd = cmd
	r.stdout = stdout
	r.logger.Info("Microphone capture started", zap.Int("sampleRate", r.sampleRate))
	return nil
}

// Read fills p with the next block of samples. It blocks until the block is
// complete or the stream ends.
func (r *SoxRecorder) Read(p []float32) (int, error) {
	r.mu.Lock()
	stdout := r.stdout
	if cap(r.buf) < len(p)*2 {
		r.buf = make([]byte, len(p)*2)
	}
	buf := r.buf[:len(p)*2]
	r.mu.Unlock()

	if stdout == nil {
		return 0, io.EOF
	}
	return readPCM(stdout, buf, p)
}

// Close stops the capture process. It is safe to call more than once.
func (r *SoxRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	_ = r.cmd.Process.Kill()
	_ = r.cmd.Wait()
	r.logger.Info("Microphone capture stopped")
	return nil
}

func readPCM(src io.Reader, buf []byte, p []float32) (int, error) {
	n, err := io.ReadFull(src, buf)
	n -= n % 2
	samples := PCM16ToFloat32(buf[:n])
	copy(p, samples)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return len(samples), err
}

// SoxPlayer streams raw PCM16 to the default output device via sox.
type SoxPlayer struct {
	sampleRate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewSoxPlayer starts a sox process that plays mono PCM16 at sampleRate.
func NewSoxPlayer(sampleRate int) (*SoxPlayer, error) {
	if _, err := exec.LookPath("sox"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAudioDevice, err)
	}

	args := append([]string{"-q"}, soxRawArgs(sampleRate)...)
	args = append(args, "-", "-d")
	cmd := exec.Command("sox", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: start sox player: %w", err)
	}

	return &SoxPlayer{sampleRate: sampleRate, cmd: cmd, stdin: stdin}, nil
}

// SampleRate returns the playback rate in Hz.
func (p *SoxPlayer) SampleRate() int {
	return p.sampleRate
}

// Write sends PCM16 bytes to the output device.
func (p *SoxPlayer) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(data)
}

// Close flushes and stops the player.
func (p *SoxPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		return p.cmd.Wait()
	}
	return nil
}
