package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/audio"
	"github.com/room4-2/voiceorder/capture"
	"github.com/room4-2/voiceorder/playback"
	"github.com/room4-2/voiceorder/session"
	"github.com/room4-2/voiceorder/transport"
)

var (
	startBusiness     string
	startFile         string
	startRealtime     bool
	startHTTPFallback bool
	startNoGreeting   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an interactive voice ordering session",
	Long: `Start a voice session and talk to the ordering assistant.

While the session runs, type a command and press enter:
  m  mute or unmute the microphone
  s  silence the assistant
  c  show the cart
  q  end the session
`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&startBusiness, "business", "b", "", "business id (default from BUSINESS_ID)")
	startCmd.Flags().StringVarP(&startFile, "file", "f", "", "replay a WAV or raw PCM16 file instead of the microphone")
	startCmd.Flags().BoolVar(&startRealtime, "realtime", true, "pace file replay at real time")
	startCmd.Flags().BoolVar(&startHTTPFallback, "http-fallback", false, "upload audio over HTTP instead of the socket")
	startCmd.Flags().BoolVar(&startNoGreeting, "no-greeting", false, "do not send the opening greeting")
}

// audioInput is a capture source that can check access before opening.
type audioInput interface {
	capture.Source
	CheckPermission(ctx context.Context) error
}

func newInput() audioInput {
	rate := globalConfig.CaptureSampleRate
	if startFile != "" {
		return audio.NewFileSource(startFile, rate, startRealtime)
	}
	return audio.NewSoxRecorder(rate, logger)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	store, release := openCart(ctx)
	defer release()

	business := globalConfig.BusinessID
	if startBusiness != "" {
		business = startBusiness
	}
	greetingDelay := globalConfig.GreetingDelay
	if startNoGreeting {
		greetingDelay = -1
	}

	input := newInput()
	ctrl := session.New(session.Options{
		BusinessID:      business,
		Debug:           globalConfig.Debug,
		API:             client,
		Cart:            store,
		CheckPermission: input.CheckPermission,
		NewDevice: func() (playback.Device, error) {
			player, err := audio.NewSoxPlayer(globalConfig.PlaybackSampleRate)
			if err != nil {
				return nil, err
			}
			return playback.NewStreamDevice(player, globalConfig.PlaybackSampleRate, logger), nil
		},
		NewSource: func() (capture.Source, error) { return input, nil },
		HTTPAudio: startHTTPFallback,
		Transport: transport.Config{
			GreetingText:      globalConfig.GreetingText,
			GreetingDelay:     greetingDelay,
			HeartbeatInterval: globalConfig.HeartbeatInterval,
		},
		Capture: capture.Config{FrameDuration: globalConfig.CaptureFrame},
		Logger:  logger,
	})

	ctrl.Conversation().Subscribe(func(e session.Entry) {
		printEntry(out, e)
	})
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.End(context.WithoutCancel(ctx))

	done := ctrl.Done()
	fmt.Fprintf(out, "Session %s started. Commands: m (mute), s (silence), c (cart), q (quit)\n", ctrl.SessionID())

	var lines <-chan string
	stdin := make(chan string)
	lines = stdin
	go readLines(os.Stdin, stdin)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nEnding session...")
			return nil
		case <-done:
			// Dropped by the backend; queued audio has finished playing.
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep running until the session ends.
				lines = nil
				continue
			}
			if quit := handleCommand(ctx, out, ctrl, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
}

// handleCommand runs one keyboard command. It reports true on quit.
func handleCommand(ctx context.Context, out io.Writer, ctrl *session.Controller, line string) bool {
	switch line {
	case "q", "quit", "exit":
		return true
	case "m", "mute":
		on := !ctrl.Recording()
		if !ctrl.SetRecording(on) {
			fmt.Fprintln(out, "Microphone unavailable")
			return false
		}
		if on {
			fmt.Fprintln(out, "Microphone on")
		} else {
			fmt.Fprintln(out, "Microphone muted")
		}
	case "s", "silence":
		ctrl.StopPlayback()
	case "c", "cart":
		items, err := ctrl.Cart().Items(ctx)
		if err != nil {
			logger.Warn("Reading cart failed", zap.Error(err))
			return false
		}
		writeCart(out, items)
	case "":
	default:
		fmt.Fprintf(out, "Unknown command %q\n", line)
	}
	return false
}

func printEntry(w io.Writer, e session.Entry) {
	ts := e.Timestamp.Format("15:04:05")
	switch e.Type {
	case session.EntryUser:
		fmt.Fprintf(w, "[%s] You: %s\n", ts, e.Content)
	case session.EntryAssistant:
		fmt.Fprintf(w, "[%s] Assistant: %s\n", ts, e.Content)
	default:
		fmt.Fprintf(w, "[%s] * %s\n", ts, e.Content)
	}
}
