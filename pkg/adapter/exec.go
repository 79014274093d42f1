package adapter

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/notewell/attend/pkg/models"
)

// ExecAdapter drives a platform helper process. The helper owns the
// platform-specific client (browser automation or native SDK), joins the
// meeting, and streams events as newline-delimited JSON on stdout;
// control commands go in on stdin. One helper process per bot.
type ExecAdapter struct {
	platform models.Platform
	binary   string
}

// NewExecAdapter creates an adapter that launches the given helper binary.
func NewExecAdapter(platform models.Platform, binary string) *ExecAdapter {
	return &ExecAdapter{platform: platform, binary: binary}
}

// Platform returns the platform this adapter serves.
func (a *ExecAdapter) Platform() models.Platform { return a.platform }

// Open starts the helper and begins decoding its event stream.
func (a *ExecAdapter) Open(ctx context.Context, opts OpenOptions) (Conn, error) {
	cmd := exec.CommandContext(ctx, a.binary,
		"--platform", string(a.platform),
		"--meeting-url", opts.MeetingURL,
		"--display-name", opts.DisplayName,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper: %w", err)
	}

	conn := &execConn{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		botID:  opts.BotID,
	}
	go conn.readLoop(stdout)
	return conn, nil
}

type execConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	botID  string

	closeOnce sync.Once
}

func (c *execConn) Events() <-chan Event { return c.events }

// deliver hands an event to the consumer. A closed connection unblocks
// the read loop even when nobody drains the channel anymore.
func (c *execConn) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// wireEvent is the helper's NDJSON event envelope.
type wireEvent struct {
	Type            string `json:"type"`
	ParticipantUUID string `json:"participant_uuid,omitempty"`
	UserUUID        string `json:"user_uuid,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	IsHost          bool   `json:"is_host,omitempty"`
	IsTheBot        bool   `json:"is_the_bot,omitempty"`
	Text            string `json:"text,omitempty"`
	Reason          string `json:"reason,omitempty"`
	DataBase64      string `json:"data_base64,omitempty"`
	TimestampMS     int64  `json:"timestamp_ms,omitempty"`
}

func (c *execConn) readLoop(stdout io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(stdout)
	// Video frames dominate line size.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	terminal := false
	for scanner.Scan() {
		ev, err := decodeWireEvent(scanner.Bytes())
		if err != nil {
			slog.Warn("Malformed helper event", "bot_id", c.botID, "error", err)
			continue
		}
		if !c.deliver(ev) {
			_ = c.cmd.Wait()
			return
		}
		if IsTerminal(ev) {
			terminal = true
			break
		}
	}

	if terminal {
		_ = c.cmd.Wait()
		return
	}
	if err := scanner.Err(); err != nil {
		c.deliver(Fatal{Err: fmt.Errorf("helper stream: %w", err)})
		_ = c.cmd.Wait()
		return
	}
	if err := c.cmd.Wait(); err != nil {
		c.deliver(Fatal{Err: fmt.Errorf("helper exited: %w", err)})
	}
}

func decodeWireEvent(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "admitted":
		return Admitted{TimestampMS: w.TimestampMS}, nil
	case "admission_rejected":
		return AdmissionRejected{Reason: w.Reason}, nil
	case "meeting_ended":
		return MeetingEnded{TimestampMS: w.TimestampMS}, nil
	case "kicked":
		return Kicked{TimestampMS: w.TimestampMS}, nil
	case "fatal":
		return Fatal{Err: fmt.Errorf("%s", w.Reason)}, nil
	case "participant_join", "participant_leave":
		return ParticipantUpdate{
			UUID:        w.ParticipantUUID,
			UserUUID:    w.UserUUID,
			FullName:    w.FullName,
			IsHost:      w.IsHost,
			IsTheBot:    w.IsTheBot,
			Joined:      w.Type == "participant_join",
			TimestampMS: w.TimestampMS,
		}, nil
	case "speech_start", "speech_stop":
		return SpeechActivity{
			ParticipantUUID: w.ParticipantUUID,
			Speaking:        w.Type == "speech_start",
			TimestampMS:     w.TimestampMS,
		}, nil
	case "screenshare_start", "screenshare_stop":
		return ScreenshareActivity{
			ParticipantUUID: w.ParticipantUUID,
			Sharing:         w.Type == "screenshare_start",
			TimestampMS:     w.TimestampMS,
		}, nil
	case "audio_frame":
		pcm, err := base64.StdEncoding.DecodeString(w.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("audio frame payload: %w", err)
		}
		return AudioFrame{ParticipantUUID: w.ParticipantUUID, PCM: pcm, TimestampMS: w.TimestampMS}, nil
	case "video_frame":
		data, err := base64.StdEncoding.DecodeString(w.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("video frame payload: %w", err)
		}
		return VideoFrame{ParticipantUUID: w.ParticipantUUID, Data: data, TimestampMS: w.TimestampMS}, nil
	case "chat_message":
		return ChatMessage{ParticipantUUID: w.ParticipantUUID, Text: w.Text, TimestampMS: w.TimestampMS}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", w.Type)
	}
}

// Leave asks the helper to leave the meeting; the helper replies with a
// terminal event and exits.
func (c *execConn) Leave(ctx context.Context) error {
	_, err := fmt.Fprintln(c.stdin, `{"action":"leave"}`)
	if err != nil {
		return fmt.Errorf("send leave command: %w", err)
	}
	return nil
}

// Close kills the helper process and releases the read loop.
func (c *execConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.stdin.Close()
		if c.cmd.Process != nil {
			err = c.cmd.Process.Kill()
		}
	})
	return err
}
