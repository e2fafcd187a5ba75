package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/pkg/types"
)

const (
	// spawnMaxRetries bounds retries when the provider binary fails to start.
	spawnMaxRetries = 3
	spawnRetryBase  = 200 * time.Millisecond
)

// Claude drives the claude CLI as the provider process, speaking its
// line-delimited stream-json protocol on stdout.
type Claude struct {
	bin string
	log zerolog.Logger
}

// NewClaude creates an adapter for the given binary; empty means "claude"
// from PATH.
func NewClaude(bin string) *Claude {
	if bin == "" {
		bin = "claude"
	}
	return &Claude{bin: bin, log: logging.Component("provider")}
}

// Stream starts one provider turn as a subprocess and returns a stream over
// its normalized events.
func (c *Claude) Stream(ctx context.Context, content []types.ContentBlock, opts StreamOptions) (Stream, error) {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	// Plain text rides on argv; anything multi-modal goes through stdin as a
	// stream-json user message.
	var stdinPayload []byte
	if text, ok := plainText(content); ok {
		args = append(args, text)
	} else {
		args = append(args, "--input-format", "stream-json")
		payload, err := encodeUserMessage(content)
		if err != nil {
			return nil, fmt.Errorf("encode content: %w", err)
		}
		stdinPayload = payload
	}

	var stream *claudeStream
	spawn := func() error {
		cmd := exec.CommandContext(ctx, c.bin, args...)
		cmd.Dir = opts.Workspace
		// Own process group so Interrupt reaches the whole provider tree.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if stdinPayload != nil {
			stdin, err := cmd.StdinPipe()
			if err != nil {
				return err
			}
			go func() {
				stdin.Write(append(stdinPayload, '\n'))
				stdin.Close()
			}()
		}

		if err := cmd.Start(); err != nil {
			return err
		}

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		stream = &claudeStream{cmd: cmd, sc: sc, log: c.log}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(spawnRetryBase), spawnMaxRetries),
		ctx,
	)
	if err := backoff.Retry(spawn, bo); err != nil {
		return nil, fmt.Errorf("start provider process: %w", err)
	}

	c.log.Debug().Str("model", opts.Model).Str("resume", opts.ResumeID).Msg("provider stream started")
	return stream, nil
}

// Warmup issues the probe prompt, captures the provider session id from the
// first identity-carrying event, interrupts the call, and returns the id.
func (c *Claude) Warmup(ctx context.Context, opts StreamOptions) (string, error) {
	s, err := c.Stream(ctx, []types.ContentBlock{types.TextBlock(WarmupProbe)}, opts)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var id string
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if id != "" {
				// Interrupted by us after capturing the id.
				return id, nil
			}
			return "", err
		}
		if id == "" && ev.SessionID != "" {
			id = ev.SessionID
			s.Interrupt()
		}
	}
	if id == "" {
		return "", fmt.Errorf("warmup: provider stream ended without session identity")
	}
	return id, nil
}

// claudeStream adapts the subprocess stdout into the Event contract.
type claudeStream struct {
	cmd *exec.Cmd
	sc  *bufio.Scanner
	log zerolog.Logger

	queue     []*Event
	streamErr error
	eof       bool

	mu     sync.Mutex
	waited bool
}

// Recv returns the next normalized event.
func (s *claudeStream) Recv() (*Event, error) {
	for len(s.queue) == 0 {
		if s.eof {
			if s.streamErr != nil {
				return nil, s.streamErr
			}
			return nil, io.EOF
		}
		if !s.sc.Scan() {
			s.eof = true
			if err := s.sc.Err(); err != nil {
				s.streamErr = fmt.Errorf("provider stream: %w", err)
			}
			s.finish()
			continue
		}
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		events, err := parseLine(line)
		if err != nil {
			// Lines the protocol parser rejects are provider noise.
			s.log.Debug().Str("line", truncate(string(line), 200)).Msg("unrecognized provider line")
			continue
		}
		for _, ev := range events {
			if ev.err != nil {
				s.streamErr = ev.err
				continue
			}
			s.queue = append(s.queue, ev.event)
		}
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

// finish reaps the process once stdout is exhausted.
func (s *claudeStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited {
		return
	}
	s.waited = true
	if err := s.cmd.Wait(); err != nil && s.streamErr == nil {
		s.streamErr = fmt.Errorf("provider process: %w", err)
	}
}

// Interrupt signals the provider process group so the in-flight call is
// actually cancelled, not just abandoned.
func (s *claudeStream) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited || s.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-s.cmd.Process.Pid, syscall.SIGINT)
}

// Close interrupts if needed and reaps the process.
func (s *claudeStream) Close() error {
	s.Interrupt()
	s.finish()
	return nil
}

func plainText(content []types.ContentBlock) (string, bool) {
	if len(content) != 1 || content[0].Type != "text" {
		return "", false
	}
	return content[0].Text, true
}

func encodeUserMessage(content []types.ContentBlock) ([]byte, error) {
	blocks := make([]map[string]any, 0, len(content))
	for _, b := range content {
		switch b.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
		case "image":
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.Data,
				},
			})
		}
	}
	return json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": blocks,
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// newMessageID mints ids in the provider's uuid shape for messages the
// stream delivers without one.
func newMessageID() string {
	return uuid.NewString()
}
