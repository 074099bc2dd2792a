// avaprobe drives a live server through full conversation turns and reports
// latency and playback pacing, useful for smoke testing a deployment.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/avatarlab/avachat/internal/client"
	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/player"
	"github.com/avatarlab/avachat/internal/protocol"
)

type options struct {
	baseURL     string
	turns       int
	idleFrames  int
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

var defaultUtterances = []string{
	"Cześć! Jak się dziś masz?",
	"Opowiedz mi krótko o pogodzie.",
	"Co potrafisz robić?",
	"Dziękuję, to wszystko.",
}

func main() {
	opts := parseFlags()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "avaprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	var texts string
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&opts.turns, "turns", 4, "number of text turns to send")
	flag.IntVar(&opts.idleFrames, "idle-frames", 30, "idle frames to request at startup")
	flag.DurationVar(&opts.turnTimeout, "turn-timeout", 60*time.Second, "per-turn reply timeout")
	flag.StringVar(&texts, "texts", "", "pipe-separated utterances (default: built-in set)")
	flag.BoolVar(&opts.verbose, "v", false, "log every server message")
	flag.Parse()

	if texts != "" {
		opts.texts = strings.Split(texts, "|")
	} else {
		opts.texts = defaultUtterances
	}
	return opts
}

func run(opts options) error {
	ctx := context.Background()
	c := client.New(opts.baseURL, client.DefaultReconnectPolicy(), nil)

	info, err := c.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("session %s created\n", info.SessionID)
	defer func() {
		if err := c.CloseSession(context.Background(), info.SessionID); err != nil {
			fmt.Fprintf(os.Stderr, "close session: %v\n", err)
		}
	}()

	conn, err := c.Connect(ctx, info.SessionID)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if _, err := await[protocol.ConnectionEstablished](conn, opts); err != nil {
		return err
	}

	play := player.New(player.DefaultConfig(), nil)
	if err := conn.RequestIdleFrames(opts.idleFrames); err != nil {
		return err
	}
	idle, err := await[protocol.IdleFrames](conn, opts)
	if err != nil {
		return err
	}
	frames, err := media.DecodeFrames(idle.VideoFrames)
	if err != nil {
		return fmt.Errorf("decode idle frames: %w", err)
	}
	if err := play.SetIdleFrames(frames); err != nil {
		return err
	}
	fmt.Printf("idle loop loaded: %d frames at %v per tick\n", len(frames), play.TickInterval())

	var latencies []time.Duration
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		start := time.Now()
		if err := conn.SendText(text); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		if _, err := await[protocol.ProcessingStarted](conn, opts); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		done, err := await[protocol.TurnProcessed](conn, opts)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		latencies = append(latencies, elapsed)

		speech, err := media.DecodeFrames(done.VideoFrames)
		if err != nil {
			return fmt.Errorf("turn %d decode frames: %w", i+1, err)
		}
		audio, err := base64.StdEncoding.DecodeString(done.AudioData)
		if err != nil {
			return fmt.Errorf("turn %d decode audio: %w", i+1, err)
		}
		batch, err := media.NewFrameBatch(speech, audio)
		if err != nil {
			return fmt.Errorf("turn %d batch: %w", i+1, err)
		}
		if err := play.Play(batch); err != nil {
			return fmt.Errorf("turn %d play: %w", i+1, err)
		}

		fmt.Printf("turn %d: %q -> %q (%.2fs, %d frames at %.1f fps)\n",
			i+1, text, done.ResponseText, elapsed.Seconds(), len(speech), play.SpeakingFPS())

		// Drain the batch so the player returns to idle before the next turn.
		for play.Mode() == player.ModeSpeaking {
			if _, err := play.Tick(); err != nil {
				return err
			}
		}
	}

	printSummary(latencies)
	return nil
}

func await[T any](conn *client.Conn, opts options) (T, error) {
	var zero T
	deadline := time.After(opts.turnTimeout)
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				return zero, fmt.Errorf("connection closed: %w", conn.Err())
			}
			if opts.verbose {
				fmt.Printf("  << %T\n", msg)
			}
			if typed, ok := msg.(T); ok {
				return typed, nil
			}
			if errMsg, ok := msg.(protocol.ErrorMessage); ok {
				return zero, fmt.Errorf("server error %s: %s", errMsg.ErrorType, errMsg.Message)
			}
		case <-deadline:
			return zero, fmt.Errorf("timed out waiting for %T", zero)
		}
	}
}

func printSummary(latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	p95 := sorted[(len(sorted)*95)/100]
	fmt.Printf("\n%d turns: avg %.2fs, min %.2fs, p95 %.2fs, max %.2fs\n",
		len(sorted),
		(total / time.Duration(len(sorted))).Seconds(),
		sorted[0].Seconds(),
		p95.Seconds(),
		sorted[len(sorted)-1].Seconds(),
	)
}
