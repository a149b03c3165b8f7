package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

const gameChannelPrefix = "game."

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// channelState remembers what a connection was last sent for a channel.
type channelState struct {
	version uint64
	failed  bool
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	subs := newSubscriptionSet()
	if raw := strings.TrimSpace(r.URL.Query().Get("game")); raw != "" {
		if _, err := solana.PublicKeyFromBase58(raw); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid game address %q", raw))
			return
		}
		subs.Add(gameChannelPrefix + raw)
	}

	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	sent := make(map[string]channelState)
	if err := s.pushUpdates(ctx, conn, subs, sent); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			if err := s.pushUpdates(ctx, conn, subs, sent); err != nil {
				return
			}
		}
	}
}

// pushUpdates sends every subscribed record whose version moved since the
// last push. A read failure is reported once until the record loads again.
func (s *Service) pushUpdates(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, sent map[string]channelState) error {
	for _, channel := range subs.List() {
		key, err := solana.PublicKeyFromBase58(strings.TrimPrefix(channel, gameChannelPrefix))
		if err != nil {
			continue
		}

		last, seen := sent[channel]
		game, err := s.loadGame(ctx, key)
		if err != nil {
			if seen && last.failed {
				continue
			}
			sent[channel] = channelState{failed: true}
			if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to load game", TS: time.Now().Unix()}); err != nil {
				return err
			}
			continue
		}
		if seen && !last.failed && last.version == game.Version {
			continue
		}
		sent[channel] = channelState{version: game.Version}
		if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "game", Channel: channel, Data: game, TS: time.Now().Unix()}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if !strings.HasPrefix(message.Channel, gameChannelPrefix) {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
