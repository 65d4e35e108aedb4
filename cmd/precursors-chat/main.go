// Command precursors-chat logs in to a Precursors server and relays lines
// typed at the prompt as chat events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"github.com/Zereker/precursors"
	"github.com/Zereker/precursors/client"
	"github.com/Zereker/precursors/internal/config"
	"github.com/Zereker/precursors/internal/logging"
)

type chatMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "precursors-chat:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logCfg.Level = lvl
	}
	logging.ApplyEnv(&logCfg)
	logger := logging.New("precursors-chat", logCfg)

	kind := client.Service
	if cfg.Kind == "game" {
		kind = client.Game
	}

	tlsCfg, err := cfg.TLS.ClientTLS()
	if err != nil {
		return err
	}
	opts := []client.Option{client.LoggerOption(logger)}
	if tlsCfg != nil {
		opts = append(opts, client.TLSConfigOption(tlsCfg))
	}

	c, err := client.New(kind, cfg.Host, cfg.Port, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info("shutting down...")
			cancel()
			c.Close()
		case <-ctx.Done():
		}
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = c.Connect(connectCtx, cfg.User, cfg.Password)
	connectCancel()
	if err != nil {
		var denied *precursors.DeniedError
		if errors.As(err, &denied) {
			return errors.Errorf("failed to log in: %s", denied.Reason)
		}
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Channel + "> ",
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return errors.Wrap(err, "failed to create readline")
	}
	defer rl.Close()

	s := &session{
		channel: c.Channel(cfg.Channel),
		via:     precursors.ViaSSL,
		out:     rl.Stdout(),
	}
	if kind == client.Game {
		s.via = precursors.ViaTCP
	}
	s.channel.OnAny(s.print)

	go func() {
		select {
		case <-c.Done():
			rl.Close()
		case <-ctx.Done():
		}
	}()

	err = s.loop(ctx, rl)

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer logoutCancel()
	if lerr := c.Disconnect(logoutCtx); lerr != nil && !errors.Is(lerr, precursors.ErrNotConnected) {
		logger.Warn("logout failed", "error", lerr)
	}
	return err
}

func parseFlags(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("precursors-chat", flag.ContinueOnError)
	var (
		path     = fs.String("config", "", "path to a TOML config file")
		host     = fs.String("host", "", "server host")
		port     = fs.Int("port", 0, "server control port")
		user     = fs.String("user", "", "account name")
		password = fs.String("password", "", "account password")
		channel  = fs.String("channel", "", "chat channel")
		kind     = fs.String("kind", "", "client kind: game or service")
		insecure = fs.Bool("insecure", false, "skip server certificate verification")
	)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "user":
			cfg.User = *user
		case "password":
			cfg.Password = *password
		case "channel":
			cfg.Channel = *channel
		case "kind":
			cfg.Kind = strings.ToLower(*kind)
		case "insecure":
			cfg.TLS.Insecure = *insecure
		}
	})

	if cfg.User == "" {
		return config.Config{}, errors.New("user is required")
	}
	if cfg.Kind != "game" && cfg.Kind != "service" {
		return config.Config{}, errors.Errorf("invalid kind %q", cfg.Kind)
	}
	return cfg, nil
}

type session struct {
	channel *precursors.Channel
	via     precursors.Via
	out     io.Writer
}

func (s *session) loop(ctx context.Context, rl *readline.Instance) error {
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := s.command(input); quit {
				return nil
			}
			continue
		}

		if err := s.channel.Event(ctx, chatMessage{Type: "message", Text: input}, s.via); err != nil {
			if errors.Is(err, precursors.ErrNotConnected) {
				return err
			}
			fmt.Fprintln(s.out, "send failed:", err)
		}
	}
}

func (s *session) command(input string) (quit bool) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/via":
		if len(fields) != 2 {
			fmt.Fprintln(s.out, "usage: /via ssl|tcp")
			return false
		}
		s.via = precursors.Via(fields[1])
		fmt.Fprintln(s.out, "sending via", s.via)
	default:
		fmt.Fprintln(s.out, "commands: /via ssl|tcp, /quit")
	}
	return false
}

func (s *session) print(m precursors.EventMessage) {
	var msg chatMessage
	if err := json.Unmarshal(m.Contents, &msg); err == nil && msg.Text != "" {
		fmt.Fprintf(s.out, "[%s] %s\n", m.Channel, msg.Text)
		return
	}
	fmt.Fprintf(s.out, "[%s] %s %s\n", m.Channel, m.Name, m.Contents)
}
