// Command stemmgpt-repl is an interactive chat client for the stemmgpt relay.
// It reads lines in raw terminal mode, submits each one through the file
// channel (or the daemon socket with -socket) and prints the reply.
//
// Usage:
//
//	./stemmgpt-repl                      # file channel in the configured relay dir
//	./stemmgpt-repl -socket              # Unix socket channel, own session
//	./stemmgpt-repl -log chat.toml       # append every exchange as TOML
//	./stemmgpt-repl -request-timeout 1m  # give up on a reply after a minute
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/relay"
)

const prompt = "> "

func main() {
	configPath := flag.String("config", "", "config file (default: $STEMMGPT_CONFIG_DIR/config.toml)")
	dir := flag.String("dir", "", "relay directory (overrides relay.dir)")
	useSocket := flag.Bool("socket", false, "talk to the daemon over its Unix socket")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the relay to become ready")
	requestTimeout := flag.Duration("request-timeout", 5*time.Minute, "how long to wait for each reply (0 waits forever)")
	delay := flag.Duration("delay", 75*time.Millisecond, "typewriter delay per character when stdout is a terminal")
	logPath := flag.String("log", "", "append each exchange to this TOML file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var logw io.Writer
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logw = f
	}

	channel := "file"
	if *useSocket {
		channel = "socket"
	}
	readyCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	client, err := connect(readyCtx, cfg, *dir, *useSocket)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: relay not ready: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	editor, err := NewEditor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer editor.Close()

	tty := editor.Tty()
	out := termWriter(os.Stdout)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		*delay = 0
	}

	fmt.Fprintf(tty, "stemmgpt repl (%s channel)\r\n", channel)
	fmt.Fprintf(tty, "%s\r\n", strings.Repeat("─", min(editor.Width(), 60)))
	fmt.Fprintf(tty, "commands:\r\n")
	fmt.Fprintf(tty, "  :reset    start a new conversation (socket only)\r\n")
	fmt.Fprintf(tty, "  :history  show the conversation (socket only)\r\n")
	fmt.Fprintf(tty, "  :quit     exit\r\n\r\n")

	for {
		text, err := editor.ReadLine(prompt)
		if err == io.EOF || err == ErrInterrupt {
			break
		}
		if err != nil {
			fmt.Fprintf(tty, "read error: %v\r\n", err)
			break
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		if text == ":quit" || text == ":q" {
			return
		}

		ctx, cancel := requestContext(*requestTimeout)
		switch text {
		case ":reset":
			err := client.Reset(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(tty, "error: %v\r\n", err)
			} else {
				fmt.Fprintf(tty, "(conversation reset)\r\n")
			}
			continue
		case ":history":
			msgs, err := client.History(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(tty, "error: %v\r\n", err)
				continue
			}
			for _, m := range msgs {
				fmt.Fprintf(tty, "[%s] %s\r\n", m.Role, strings.ReplaceAll(m.Content, "\n", "\r\n"))
			}
			continue
		}

		start := time.Now()
		reply, err := client.Send(ctx, text)
		cancel()
		entry := logEntry{
			Timestamp: start,
			Channel:   channel,
			Input:     text,
			ElapsedMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			entry.Error = err.Error()
			fmt.Fprintf(tty, "error: %v\r\n\r\n", err)
		} else {
			entry.Reply = reply
			if err := typewrite(out, reply, *delay); err != nil {
				fmt.Fprintf(tty, "output error: %v\r\n", err)
			} else {
				fmt.Fprint(out, "\n\n")
			}
		}

		if logw != nil {
			if err := writeEntry(logw, entry); err != nil {
				fmt.Fprintf(tty, "log error: %v\r\n", err)
			}
		}
	}
}

// requestContext bounds one request; a zero timeout never expires.
func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// connect waits for the relay to be ready on the selected channel.
func connect(ctx context.Context, cfg *stemmgpt.Config, dir string, useSocket bool) (Client, error) {
	if useSocket {
		return dialSocket(ctx, stemmgpt.ResolveSocketPath(cfg))
	}
	if dir == "" {
		dir = stemmgpt.ResolveRelayDir(cfg)
	}
	c := newFileClient(relay.NewPaths(dir, cfg.Relay), cfg.PollInterval())
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func loadConfig(path string) (*stemmgpt.Config, error) {
	if path == "" {
		return stemmgpt.LoadConfig()
	}
	return stemmgpt.LoadConfigFile(path)
}
