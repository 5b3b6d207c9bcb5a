package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jwulff/livescribe/internal/config"
)

// DeepgramRecognizer streams audio to Deepgram's live endpoint.
type DeepgramRecognizer struct {
	Config config.DeepgramConfig
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// ListenURL builds the provider URL with the configured audio parameters.
func (r *DeepgramRecognizer) ListenURL() (string, error) {
	u, err := url.Parse(r.Config.URL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("model", r.Config.Model)
	q.Set("language", r.Config.Language)
	q.Set("encoding", r.Config.Encoding)
	q.Set("sample_rate", strconv.Itoa(r.Config.SampleRate))
	q.Set("channels", strconv.Itoa(r.Config.Channels))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open implements Recognizer.
func (r *DeepgramRecognizer) Open(ctx context.Context) (Stream, error) {
	if r.Config.APIKey == "" {
		return nil, errors.New("deepgram: missing api key")
	}
	target, err := r.ListenURL()
	if err != nil {
		return nil, err
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{"Authorization": {"Token " + r.Config.APIKey}}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		logger:  logger,
		results: make(chan string, 16),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	results chan string

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

func (s *deepgramStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("write deepgram: %w", err)
	}
	return nil
}

func (s *deepgramStream) Results() <-chan string { return s.results }

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Debug("deepgram read ended", "err", err)
			}
			return
		}
		for _, text := range parseDeepgram(data) {
			s.results <- text
		}
	}
}

// parseDeepgram extracts final transcripts from one provider frame, which
// may hold a single result object or an array of them.
func parseDeepgram(data []byte) []string {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil
	}

	var results []deepgramResult
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &results); err != nil {
			return nil
		}
	case '{':
		var one deepgramResult
		if err := json.Unmarshal(data, &one); err != nil {
			return nil
		}
		results = append(results, one)
	default:
		return nil
	}

	var out []string
	for _, r := range results {
		if !r.IsFinal || len(r.Channel.Alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(r.Channel.Alternatives[0].Transcript); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// Close asks the provider to flush, then closes the socket. Pending
// results are discarded once the read loop exits.
func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
		// The read loop may be blocked on a full channel.
		for range s.results {
		}
		<-s.done
	})
	return err
}
