package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/models"
)

// DeepgramProvider opens streaming sessions against the Deepgram
// listen endpoint.
type DeepgramProvider struct {
	cfg      config.TranscriptionConfig
	apiKey   string
	language string
	model    string
	dialer   *websocket.Dialer
}

// NewDeepgramProvider creates a provider. Language and model come from
// the bot's transcription settings; empty values use Deepgram defaults.
func NewDeepgramProvider(cfg config.TranscriptionConfig, apiKey string, settings models.TranscriptionSettings) *DeepgramProvider {
	return &DeepgramProvider{
		cfg:      cfg,
		apiKey:   apiKey,
		language: settings.Language,
		model:    settings.Model,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Name returns the provider label used in metrics and gap records.
func (p *DeepgramProvider) Name() string { return "deepgram" }

// OpenSession dials the streaming endpoint.
func (p *DeepgramProvider) OpenSession(ctx context.Context) (Session, error) {
	endpoint, err := url.Parse(p.cfg.DeepgramURL)
	if err != nil {
		return nil, fmt.Errorf("parse deepgram url: %w", err)
	}
	query := endpoint.Query()
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprint(p.cfg.SampleRate))
	query.Set("channels", "1")
	query.Set("punctuate", "true")
	query.Set("interim_results", "false")
	if p.language != "" {
		query.Set("language", p.language)
	}
	if p.model != "" {
		query.Set("model", p.model)
	}
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := p.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &deepgramSession{
		conn:    conn,
		results: make(chan Result, 32),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type deepgramSession struct {
	conn    *websocket.Conn
	results chan Result
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// deepgramResponse is the subset of the Results message we consume.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramSession) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramSession) Results() <-chan Result { return s.results }

// Close sends CloseStream so Deepgram flushes final results, then waits
// for the read loop to finish draining them.
func (s *deepgramSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(30 * time.Second)
		}
		_ = s.conn.SetReadDeadline(deadline)
	})

	select {
	case <-ctx.Done():
		s.conn.Close()
		<-s.done
		return ctx.Err()
	case <-s.done:
	}
	return err
}

func (s *deepgramSession) readLoop() {
	defer close(s.done)
	defer close(s.results)
	defer s.conn.Close()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var resp deepgramResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		words := make(models.WordList, len(alt.Words))
		for i, w := range alt.Words {
			words[i] = models.Word{
				Word:       w.Word,
				StartMS:    int64(w.Start * 1000),
				EndMS:      int64(w.End * 1000),
				Confidence: w.Confidence,
			}
		}
		s.results <- Result{
			Transcript: alt.Transcript,
			Words:      words,
			StartMS:    int64(resp.Start * 1000),
			DurationMS: int64(resp.Duration * 1000),
		}
	}
}
