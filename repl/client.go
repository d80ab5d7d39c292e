package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/relay"
)

// errUnsupported is returned for commands the file channel cannot serve.
var errUnsupported = errors.New("not supported on the file channel; use -socket")

// errRelayStopped is returned when the ready marker disappears while a
// request is outstanding.
var errRelayStopped = errors.New("relay stopped: ready marker is gone")

// Client submits user text to the relay and returns the reply.
type Client interface {
	Send(ctx context.Context, text string) (string, error)
	Reset(ctx context.Context) error
	History(ctx context.Context) ([]stemmgpt.Message, error)
	Close() error
}

// fileClient talks to the relay through input.txt and output.txt.
type fileClient struct {
	paths relay.Paths
	poll  time.Duration
}

func newFileClient(paths relay.Paths, poll time.Duration) *fileClient {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &fileClient{paths: paths, poll: poll}
}

// waitReady blocks until the readiness marker exists.
func (c *fileClient) waitReady(ctx context.Context) error {
	return c.waitFor(ctx, func() (bool, error) { return exists(c.paths.Ready), nil })
}

func (c *fileClient) Send(ctx context.Context, text string) (string, error) {
	if !exists(c.paths.Ready) {
		return "", errRelayStopped
	}
	if err := os.Remove(c.paths.Output); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("clear previous reply: %w", err)
	}
	if err := renameio.WriteFile(c.paths.Input, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}

	err := c.waitFor(ctx, func() (bool, error) {
		if !exists(c.paths.Input) && !exists(c.paths.Claimed()) && exists(c.paths.Output) {
			return true, nil
		}
		if !exists(c.paths.Ready) {
			return false, errRelayStopped
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(c.paths.Output)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	reply := string(data)
	if msg, ok := strings.CutPrefix(reply, "Error: "); ok {
		return "", errors.New(msg)
	}
	return reply, nil
}

func (c *fileClient) Reset(context.Context) error { return errUnsupported }

func (c *fileClient) History(context.Context) ([]stemmgpt.Message, error) {
	return nil, errUnsupported
}

func (c *fileClient) Close() error { return nil }

// waitFor polls check until it reports done or fails.
func (c *fileClient) waitFor(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// socketClient keeps one connection to the daemon and its own session.
type socketClient struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	sessionID string
	reqID     int
}

// dialSocket connects to the daemon, retrying until ctx is done.
func dialSocket(ctx context.Context, path string) (*socketClient, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			scanner := bufio.NewScanner(conn)
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			return &socketClient{
				conn:      conn,
				scanner:   scanner,
				sessionID: "repl-" + uuid.NewString(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", path, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *socketClient) Send(ctx context.Context, text string) (string, error) {
	c.reqID++
	var resp stemmgpt.Response
	if err := c.roundTrip(ctx, stemmgpt.Request{RequestID: c.reqID, SessionID: c.sessionID, Input: text}, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Reply, nil
}

func (c *socketClient) Reset(ctx context.Context) error {
	_, err := c.control(ctx, "reset")
	return err
}

func (c *socketClient) History(ctx context.Context) ([]stemmgpt.Message, error) {
	resp, err := c.control(ctx, "history")
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *socketClient) Close() error {
	return c.conn.Close()
}

func (c *socketClient) control(ctx context.Context, action string) (*stemmgpt.ControlResponse, error) {
	var resp stemmgpt.ControlResponse
	if err := c.roundTrip(ctx, stemmgpt.ControlRequest{Action: action, SessionID: c.sessionID}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return &resp, nil
}

func (c *socketClient) roundTrip(ctx context.Context, req, resp any) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		return errors.New("daemon closed the connection")
	}
	return json.Unmarshal(c.scanner.Bytes(), resp)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
