package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/ent0n29/chatstream/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	baseURL        string
	userID         string
	demoID         string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
	DemoID string `json:"demo_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Text      string `json:"text,omitempty"`
}

// turnResult is what the relay reported for one prompt.
type turnResult struct {
	firstSnapshot time.Duration
	total         time.Duration
	snapshots     int
	reason        string
	chars         int
}

var defaultPrompts = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var cfg options
	var textsRaw string

	rootCmd := &cobra.Command{
		Use:   "perfchat",
		Short: "Drive synthetic chat turns through a running relay and report render latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := finishOptions(&cfg, textsRaw); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
			defer cancel()
			return run(ctx, cfg, stdout)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "Relay base URL")
	flags.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	flags.StringVar(&cfg.demoID, "demo-id", "perf", "demo_id used for the synthetic session")
	flags.IntVar(&cfg.turns, "turns", 10, "number of turns to send")
	flags.DurationVar(&cfg.startDelay, "start-delay", 0, "delay before the first turn")
	flags.DurationVar(&cfg.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between turns")
	flags.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for assistant_turn_end per turn")
	flags.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	flags.BoolVar(&cfg.verbose, "verbose", true, "print per-turn progress")

	return rootCmd
}

func finishOptions(cfg *options, textsRaw string) error {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultPrompts...)
		return nil
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	if len(cfg.texts) == 0 {
		return fmt.Errorf("texts produced no non-empty prompts")
	}
	return nil
}

func run(ctx context.Context, cfg options, stdout io.Writer) error {
	httpClient := &http.Client{Timeout: 45 * time.Second}

	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Fprintf(stdout, "perfchat: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	var results []turnResult
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if err := conn.WriteJSON(protocol.ChatSend{
			Type:      protocol.TypeChatSend,
			SessionID: sessionID,
			Text:      text,
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}

		res, err := awaitTurnEnd(events, readErrCh, time.Now(), cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Fprintf(stdout, "perfchat: turn %d/%d reason=%s first_snapshot=%s total=%s snapshots=%d chars=%d\n",
				i+1, cfg.turns, res.reason, res.firstSnapshot.Round(time.Millisecond),
				res.total.Round(time.Millisecond), res.snapshots, res.chars)
		}

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	completed := 0
	for _, r := range results {
		if r.reason == protocol.ReasonCompleted {
			completed++
		}
	}
	fmt.Fprintf(stdout, "perfchat: completed %d/%d turns\n", completed, len(results))

	if stages, err := fetchStages(ctx, httpClient, cfg.baseURL); err == nil {
		fmt.Fprintf(stdout, "perfchat: server stages %s\n", stages)
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID, DemoID: cfg.demoID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/chat/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func fetchStages(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/streams", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

func awaitTurnEnd(events <-chan wsEnvelope, readErrCh <-chan error, sent time.Time, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res turnResult
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeAssistantTextSnapshot):
				if res.snapshots == 0 {
					res.firstSnapshot = time.Since(sent)
				}
				res.snapshots++
			case string(protocol.TypeAssistantTurnEnd):
				res.total = time.Since(sent)
				res.reason = env.Reason
				res.chars = len([]rune(env.Text))
				return res, nil
			case string(protocol.TypeErrorEvent):
				if env.MessageID == "" {
					return res, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
				}
			}
		case err := <-readErrCh:
			return res, err
		case <-timer.C:
			return res, errors.New("timeout")
		}
	}
}
