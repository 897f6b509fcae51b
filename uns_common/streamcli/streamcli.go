/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

// Package streamcli is the client side of an event-stream source: a
// mangos SUB socket receiving JSON documents on named events.  The wire
// format is the event name, a newline, then the payload; the event name
// doubles as the subscription prefix.
package streamcli

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tevino/abool"
	"go.uber.org/zap"
	"nanomsg.org/go/mangos/v2"
	"nanomsg.org/go/mangos/v2/protocol/sub"

	// The stream servers we attach to are reachable over TCP and IPC.
	_ "nanomsg.org/go/mangos/v2/transport/ipc"
	_ "nanomsg.org/go/mangos/v2/transport/tcp"
)

// MessageHandler receives one decoded event frame.
type MessageHandler func(event string, payload []byte)

// Config carries the dial settings for one stream server.
type Config struct {
	ServerURL            string
	EnableReconnection   bool
	ReconnectDelay       time.Duration
	ReconnectionAttempts int
}

// Client is a connected event-stream session.
type Client struct {
	slog *zap.SugaredLogger
	name string
	sock mangos.Socket

	mtx      sync.Mutex
	handlers map[string]MessageHandler
	running  *abool.AtomicBool
}

// Dial connects to the stream server and starts the receive loop.
func Dial(slog *zap.SugaredLogger, name string, cfg *Config) (*Client, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, errors.Wrap(err, "creating sub socket")
	}
	if cfg.EnableReconnection {
		delay := cfg.ReconnectDelay
		if delay <= 0 {
			delay = time.Second
		}
		sock.SetOption(mangos.OptionReconnectTime, delay)
		// Exponential backoff, capped at 16x the base delay.
		sock.SetOption(mangos.OptionMaxReconnectTime, 16*delay)
	}
	if err := sock.Dial(cfg.ServerURL); err != nil {
		sock.Close()
		return nil, errors.Wrapf(err, "dialing %s", cfg.ServerURL)
	}

	c := &Client{
		slog:     slog,
		name:     name,
		sock:     sock,
		handlers: make(map[string]MessageHandler),
		running:  abool.NewBool(true),
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) recvLoop() {
	for c.running.IsSet() {
		msg, err := c.sock.Recv()
		if err != nil {
			if !c.running.IsSet() {
				return
			}
			c.slog.Warnf("%s: receive failed: %v", c.name, err)
			continue
		}
		idx := bytes.IndexByte(msg, '\n')
		if idx < 0 {
			c.slog.Debugf("%s: dropping unframed message", c.name)
			continue
		}
		event := string(msg[:idx])
		payload := msg[idx+1:]

		c.mtx.Lock()
		cb := c.handlers[event]
		c.mtx.Unlock()
		if cb != nil {
			cb(event, payload)
		}
	}
}

// Subscribe registers a handler for one event name.
func (c *Client) Subscribe(event string, cb MessageHandler) error {
	c.mtx.Lock()
	c.handlers[event] = cb
	c.mtx.Unlock()
	err := c.sock.SetOption(mangos.OptionSubscribe, []byte(event))
	return errors.Wrapf(err, "subscribing to %s", event)
}

// Unsubscribe removes a handler for one event name.
func (c *Client) Unsubscribe(event string) error {
	c.mtx.Lock()
	delete(c.handlers, event)
	c.mtx.Unlock()
	err := c.sock.SetOption(mangos.OptionUnsubscribe, []byte(event))
	return errors.Wrapf(err, "unsubscribing from %s", event)
}

// Close stops the receive loop and closes the socket.  Messages still
// in flight are discarded silently.
func (c *Client) Close(ctx context.Context) error {
	c.running.UnSet()
	return c.sock.Close()
}
