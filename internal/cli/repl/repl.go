// Package repl implements the interactive operator shell.
package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/gorilla/websocket"

	httpclient "isoforge/internal/cli/http"
	"isoforge/internal/cli/state"
)

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	tokenState *state.TokenState
	statePath  string
	prettyJSON bool
	rl         *readline.Instance
}

func New(client *httpclient.Client, tokenState *state.TokenState, statePath string, prettyJSON bool) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "isoforge> ",
		HistoryFile:     filepathHistory(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("watch"),
			readline.PcItem("set",
				readline.PcItem("base"),
				readline.PcItem("token"),
				readline.PcItem("timeout"),
			),
			readline.PcItem("show",
				readline.PcItem("token"),
				readline.PcItem("config"),
			),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("init readline failed: %w", err)
	}
	return &Session{
		client:     client,
		tokenState: tokenState,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		rl:         rl,
	}, nil
}

// Run reads commands until EOF or exit.
func (s *Session) Run(ctx context.Context) {
	defer s.rl.Close()
	for {
		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			s.printLine("read input failed: %v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	switch tokens[0] {
	case "help":
		s.printHelp()
		return nil
	case "set":
		return s.handleSet(tokens[1:])
	case "show":
		return s.handleShow(tokens[1:])
	case "status":
		if len(tokens) != 2 {
			return fmt.Errorf("usage: status <job-id>")
		}
		return s.handleStatus(ctx, tokens[1])
	case "watch":
		if len(tokens) != 2 {
			return fmt.Errorf("usage: watch <job-id>")
		}
		return s.handleWatch(ctx, tokens[1])
	default:
		return fmt.Errorf("unknown command: %s", tokens[0])
	}
}

func (s *Session) handleStatus(ctx context.Context, jobID string) error {
	resp, err := s.client.Do(ctx, http.MethodGet, "/api/v1/worker/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return nil
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return nil
		}
	}
	s.printLine("%s", string(resp.Body))
	return nil
}

// handleWatch streams live build output until the build ends or the
// operator interrupts.
func (s *Session) handleWatch(ctx context.Context, jobID string) error {
	wsURL, err := websocketURL(s.client.BaseURL(), "/api/v1/worker/jobs/"+url.PathEscape(jobID)+"/logs")
	if err != nil {
		return err
	}

	header := http.Header{}
	if token := s.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	watchCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(watchCtx, wsURL, header)
	if err != nil {
		return fmt.Errorf("connect log stream failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-watchCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	s.printLine("streaming logs for %s (Ctrl-C to stop)", jobID)
	for {
		_, chunk, err := conn.ReadMessage()
		if err != nil {
			if watchCtx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("log stream closed: %w", err)
		}
		_, _ = os.Stdout.Write(chunk)
	}
}

func (s *Session) handleSet(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: set base|token|timeout <value>")
	}
	switch args[0] {
	case "base":
		if len(args) < 2 {
			return fmt.Errorf("usage: set base http://127.0.0.1:8850")
		}
		s.client.SetBaseURL(args[1])
		s.printLine("base set to %s", args[1])
	case "timeout":
		if len(args) < 2 {
			return fmt.Errorf("usage: set timeout 10s")
		}
		dur, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(args) < 2 {
			return fmt.Errorf("usage: set token <access_token>")
		}
		s.tokenState.AccessToken = args[1]
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			return fmt.Errorf("save token failed: %w", err)
		}
		s.printLine("token updated")
	default:
		return fmt.Errorf("unknown set command: %s", args[0])
	}
	return nil
}

func (s *Session) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show token|config")
	}
	switch args[0] {
	case "token":
		if s.tokenState.AccessToken == "" {
			s.printLine("token: <empty>")
			return nil
		}
		token := s.tokenState.AccessToken
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("tokenStatePath: %s", s.statePath)
	default:
		return fmt.Errorf("usage: show token|config")
	}
	return nil
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  status <job-id>   show the status of one build job")
	s.printLine("  watch <job-id>    stream live build output")
	s.printLine("  set base|token|timeout <value>")
	s.printLine("  show token|config")
	s.printLine("  help | exit")
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Fprintf(s.rl.Stdout(), format+"\n", args...)
}

func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = path
	return u.String(), nil
}

func filepathHistory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.isoforge_history"
}
