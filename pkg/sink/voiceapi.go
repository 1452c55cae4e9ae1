package sink

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"
)

// VoiceAPIConfig configures the third-party synthesis sink.
type VoiceAPIConfig struct {
	URL     string
	APIKey  string
	VoiceID string
	OutDir  string // synthesized audio is written here
	Player  string // command that plays a file; empty means no unattended playback
}

// VoiceAPI synthesizes speech through an HTTP API, stores the audio and
// optionally plays it.
type VoiceAPI struct {
	cfg     VoiceAPIConfig
	client  *httpClient
	limiter *rate.Limiter
	run     Runner
}

// NewVoiceAPI creates the sink. httpc may be nil. Synthesis is paced at two
// requests per second.
func NewVoiceAPI(cfg VoiceAPIConfig, httpc *http.Client, run Runner) *VoiceAPI {
	if run == nil {
		run = execRunner
	}
	if cfg.OutDir == "" {
		cfg.OutDir = os.TempDir()
	}
	return &VoiceAPI{
		cfg:     cfg,
		client:  newHTTPClient(NameVoiceAPI, httpc),
		limiter: rate.NewLimiter(2, 2),
		run:     run,
	}
}

func (v *VoiceAPI) Name() string { return NameVoiceAPI }

type synthesisRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

// Speak returns ErrAutoplayDenied when an autoplay request reached a sink with
// no player: the audio is saved, but nothing was heard.
func (v *VoiceAPI) Speak(ctx context.Context, p Payload) error {
	if v.cfg.URL == "" {
		return fmt.Errorf("voice-api: no url configured")
	}
	body, err := json.Marshal(synthesisRequest{Text: p.Text, VoiceID: v.cfg.VoiceID})
	if err != nil {
		return err
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("voice-api rate: %w", err)
	}
	audio, err := v.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/mpeg")
		if v.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("voice-api: %w", err)
	}

	path, err := v.save(p, audio)
	if err != nil {
		return fmt.Errorf("voice-api: %w", err)
	}

	player := strings.Fields(v.cfg.Player)
	if len(player) == 0 {
		if p.Meta != nil && p.Meta.AutoplayRequested {
			return ErrAutoplayDenied
		}
		return nil
	}
	args := append(append([]string(nil), player[1:]...), "--", path)
	if err := v.run(ctx, player[0], args...); err != nil {
		return fmt.Errorf("voice-api play: %w", err)
	}
	return nil
}

func (v *VoiceAPI) save(p Payload, audio []byte) (string, error) {
	//nolint:gosec // G301: shared audio directory
	if err := os.MkdirAll(v.cfg.OutDir, 0755); err != nil {
		return "", err
	}
	sum := blake2b.Sum256(audio)
	name := fmt.Sprintf("%d_%s.mp3", p.Timestamp.UnixMilli(), hex.EncodeToString(sum[:4]))
	path := filepath.Join(v.cfg.OutDir, name)
	//nolint:gosec // G306: readable audio
	if err := os.WriteFile(path, audio, 0644); err != nil {
		return "", err
	}
	return path, nil
}
