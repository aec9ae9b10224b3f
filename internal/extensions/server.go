package extensions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/config"
)

const (
	protocolVersion       = "2024-11-05"
	defaultConnectTimeout = 15 * time.Second
	browserConnectTimeout = 45 * time.Second
	killGrace             = 5 * time.Second
)

// Stderr lines that make further waiting pointless: the server binary
// is broken or refuses to authenticate, so connect fails immediately
// instead of running out the connect timeout.
var fatalStderrPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ModuleNotFoundError`),
	regexp.MustCompile(`(?i)Cannot find module`),
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)No such file or directory`),
	regexp.MustCompile(`(?i)(invalid|missing).{0,20}(api.?key|token|credential)`),
	regexp.MustCompile(`(?i)unauthorized|authentication failed`),
}

// Server manages one subprocess tool server through its lifecycle.
type Server struct {
	spec config.ExtensionServerSpec
	log  *slog.Logger

	cmd *exec.Cmd
	tr  *transport

	info  serverInfo
	tools []ToolSpec

	exited  chan struct{}
	fatalCh chan struct{}

	fatalMu  sync.Mutex
	fatalErr error

	closeOnce sync.Once
}

func NewServer(spec config.ExtensionServerSpec) *Server {
	return &Server{
		spec:    spec,
		log:     slog.Default().With("ext_server", spec.ID),
		exited:  make(chan struct{}),
		fatalCh: make(chan struct{}),
	}
}

func (s *Server) ID() string        { return s.spec.ID }
func (s *Server) Tools() []ToolSpec { return s.tools }
func (s *Server) Info() (name, version string) {
	return s.info.Name, s.info.Version
}

func (s *Server) Connected() bool {
	return s.tr != nil && s.tr.Connected()
}

func (s *Server) connectTimeout() time.Duration {
	if s.spec.ConnectTimeoutSec > 0 {
		return time.Duration(s.spec.ConnectTimeoutSec) * time.Second
	}
	// Browser automation servers routinely spend tens of seconds
	// downloading or launching a browser on first start.
	desc := strings.ToLower(s.spec.ID + " " + s.spec.Command + " " + strings.Join(s.spec.Args, " "))
	for _, hint := range []string{"browser", "playwright", "puppeteer"} {
		if strings.Contains(desc, hint) {
			return browserConnectTimeout
		}
	}
	return defaultConnectTimeout
}

// Connect spawns the process and runs the handshake: initialize,
// notifications/initialized, tools/list.
func (s *Server) Connect(ctx context.Context) error {
	if s.spec.Command == "" {
		return fmt.Errorf("extension server %s: command is required", s.spec.ID)
	}

	s.cmd = exec.Command(s.spec.Command, s.spec.Args...)
	s.cmd.Env = os.Environ()
	for k, v := range s.spec.Env {
		s.cmd.Env = append(s.cmd.Env, k+"="+v)
	}

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.spec.Command, err)
	}
	s.log.Info("extensions.spawned", "command", s.spec.Command, "pid", s.cmd.Process.Pid)

	go s.watchStderr(stderr)
	go func() {
		s.cmd.Wait()
		close(s.exited)
	}()

	s.tr = newTransport(stdin, stdout, s.spec.Transport, s.log)
	go s.tr.readLoop()

	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()
	if err := s.handshake(cctx); err != nil {
		s.Close()
		return err
	}
	return nil
}

func (s *Server) handshake(ctx context.Context) error {
	type initOut struct {
		raw json.RawMessage
		err error
	}
	initCh := make(chan initOut, 1)
	go func() {
		raw, err := s.tr.Call(ctx, "initialize", map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "trellis", "version": "1.0.0"},
		})
		initCh <- initOut{raw, err}
	}()

	var raw json.RawMessage
	select {
	case out := <-initCh:
		if out.err != nil {
			// A write error usually means the process died under us;
			// report the exit when it lands within a beat.
			select {
			case <-s.exited:
				return fmt.Errorf("extension server %s exited before initialize completed", s.spec.ID)
			case <-time.After(200 * time.Millisecond):
			}
			return fmt.Errorf("initialize: %w", out.err)
		}
		raw = out.raw
	case <-s.fatalCh:
		return fmt.Errorf("extension server %s: %w", s.spec.ID, s.fatalError())
	case <-s.exited:
		return fmt.Errorf("extension server %s exited before initialize completed", s.spec.ID)
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.info = init.ServerInfo
	s.log.Info("extensions.connected",
		"name", s.info.Name, "version", s.info.Version, "protocol", init.ProtocolVersion)

	if err := s.tr.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	raw, err := s.tr.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	s.tools = list.Tools
	s.log.Info("extensions.tools_discovered", "count", len(s.tools))
	return nil
}

// CallTool invokes one remote tool and flattens its text content.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, bool, error) {
	raw, err := s.tr.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", false, err
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("parse tool result: %w", err)
	}
	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// Close terminates the subprocess, politely first.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.tr != nil {
			s.tr.Close()
		}
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.exited:
		case <-time.After(killGrace):
			s.log.Warn("extensions.kill", "pid", s.cmd.Process.Pid)
			s.cmd.Process.Kill()
		}
	})
}

// Exited is closed when the subprocess terminates for any reason.
func (s *Server) Exited() <-chan struct{} { return s.exited }

func (s *Server) fatalError() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

func (s *Server) watchStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.log.Debug("extensions.stderr", "line", line)
		for _, pattern := range fatalStderrPatterns {
			if pattern.MatchString(line) {
				s.fatalMu.Lock()
				if s.fatalErr == nil {
					s.fatalErr = fmt.Errorf("fatal startup output: %s", line)
					close(s.fatalCh)
				}
				s.fatalMu.Unlock()
				break
			}
		}
	}
}
