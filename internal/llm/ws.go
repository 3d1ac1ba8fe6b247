package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/aura/internal/reliability"
)

const wsWriteTimeout = 3 * time.Second

// WSAdapter speaks a JSON frame envelope to a brain gateway over a
// websocket: one "req" frame per call, zero or more "event" frames carrying
// partial text, and a terminal "res" frame correlated by request id.
type WSAdapter struct {
	wsURL  string
	token  string
	dialer websocket.Dialer
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsSynthesizeParams struct {
	System  string          `json:"system"`
	User    string          `json:"user"`
	History []wsHistoryItem `json:"history,omitempty"`
}

type wsHistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wsRequest struct {
	Type   string             `json:"type"`
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params wsSynthesizeParams `json:"params"`
}

func NewWSAdapter(wsURL, token string) (*WSAdapter, error) {
	wsURL, err := normalizeWSURL(wsURL)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("brain gateway token is required")
	}
	return &WSAdapter{
		wsURL: wsURL,
		token: token,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}, nil
}

func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "ws://127.0.0.1:18790"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse BRAIN_GATEWAY_URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (a *WSAdapter) Complete(ctx context.Context, req Request) (string, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)

	conn, resp, err := a.dialer.DialContext(ctx, a.wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return "", fmt.Errorf("%w: gateway dial rejected (%s)", ErrAuth, resp.Status)
		}
		return "", fmt.Errorf("%w: gateway dial failed: %v", ErrOverloaded, err)
	}
	defer conn.Close()

	history := make([]wsHistoryItem, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, wsHistoryItem{Role: m.Role, Content: m.Content})
	}

	reqID := uuid.NewString()
	frame := wsRequest{
		Type:   "req",
		ID:     reqID,
		Method: "synthesize",
		Params: wsSynthesizeParams{System: req.System, User: req.User, History: history},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return "", fmt.Errorf("%w: gateway write: %v", ErrStream, err)
	}

	frames := readFrames(conn)

	var collected strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case got, ok := <-frames:
			if !ok {
				// Connection closed before the res frame; keep what arrived.
				if collected.Len() > 0 {
					return collected.String(), nil
				}
				return "", fmt.Errorf("%w: gateway closed mid-call", ErrStream)
			}
			switch got.Type {
			case "event":
				if got.ID != "" && got.ID != reqID {
					continue
				}
				if delta := framePayloadText(got.Payload); delta != "" {
					collected.WriteString(delta)
				}
			case "res":
				if got.ID != reqID {
					continue
				}
				if !got.OK {
					return "", mapGatewayError(got.Error)
				}
				if text := framePayloadText(got.Payload); text != "" {
					return text, nil
				}
				if collected.Len() > 0 {
					return collected.String(), nil
				}
				return "", fmt.Errorf("%w: empty gateway response", ErrStream)
			}
		}
	}
}

// readFrames pumps decoded frames onto a channel so the caller can also
// observe context cancellation. The channel closes on any read error.
func readFrames(conn *websocket.Conn) <-chan wsFrame {
	out := make(chan wsFrame, 64)
	go func() {
		defer close(out)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			out <- frame
		}
	}()
	return out
}

func mapGatewayError(we *wsError) error {
	if we == nil {
		return fmt.Errorf("%w: gateway request failed", ErrStream)
	}
	code := strings.ToLower(strings.TrimSpace(we.Code))
	switch {
	case code == "unauthorized" || code == "forbidden":
		return fmt.Errorf("%w: %s", ErrAuth, we.Message)
	case reliability.IsRetryableUpstreamErrorType(code):
		return fmt.Errorf("%w: %s (%s)", ErrOverloaded, we.Message, we.Code)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrStream, we.Message, we.Code)
	}
}

// framePayloadText pulls reply text out of a frame payload, tolerating both
// a flat {"text": ...} and the nested data/result shapes some gateways emit.
func framePayloadText(payload json.RawMessage) string {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	if text := pickStringField(obj, "delta", "text", "output", "message", "reply"); text != "" {
		return text
	}
	for _, nest := range []string{"data", "result"} {
		if nested, ok := obj[nest].(map[string]any); ok {
			if text := pickStringField(nested, "delta", "text", "output", "message", "reply"); text != "" {
				return text
			}
		}
	}
	return ""
}

func pickStringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := obj[key].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}
