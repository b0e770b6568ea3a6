package solana

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	wsDialTimeout   = 15 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 25 * time.Second
	wsReadLimit     = 16 << 20
	reconnectFloor  = time.Second
	reconnectCeil   = 30 * time.Second
	notifBufferSize = 1024
)

// WSClient maintains logsSubscribe streams over the RPC websocket endpoint.
// Each SubscribeLogs call owns one connection; the stream survives transport
// drops by resubscribing with exponential backoff.
type WSClient struct {
	endpoint string
	logger   *zap.Logger
	nextID   atomic.Uint64
}

// NewWSClient creates a websocket subscription client.
func NewWSClient(endpoint string, logger *zap.Logger) *WSClient {
	return &WSClient{
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "rpc-ws")),
	}
}

type wsSubscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsLogsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// SubscribeLogs subscribes to log notifications mentioning the address
// (a program id or any account). The returned channel is closed when the
// context is cancelled. Transport failures reconnect internally.
func (w *WSClient) SubscribeLogs(ctx context.Context, mention string) (<-chan LogNotification, error) {
	out := make(chan LogNotification, notifBufferSize)

	go func() {
		defer close(out)
		backoff := reconnectFloor
		for {
			if ctx.Err() != nil {
				return
			}
			err := w.runSubscription(ctx, mention, out)
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("log subscription dropped, reconnecting",
				zap.String("mention", mention),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectCeil {
				backoff = reconnectCeil
			}
		}
	}()

	return out, nil
}

// runSubscription dials, subscribes, and pumps notifications until the
// connection fails or the context ends.
func (w *WSClient) runSubscription(ctx context.Context, mention string, out chan<- LogNotification) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	sub := wsSubscribeRequest{
		JSONRPC: "2.0",
		ID:      w.nextID.Add(1),
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{mention}},
			map[string]interface{}{"commitment": "confirmed"},
		},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	w.logger.Info("logs subscription established", zap.String("mention", mention))

	// Unsubscribe is implicit: closing the connection tears the
	// subscription down server-side.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		var notif wsLogsNotification
		if err := json.Unmarshal(msg, &notif); err != nil {
			continue // subscription confirmations, pongs
		}
		if notif.Method != "logsNotification" {
			continue
		}
		ln := LogNotification{
			Signature: notif.Params.Result.Value.Signature,
			Slot:      notif.Params.Result.Context.Slot,
			Logs:      notif.Params.Result.Value.Logs,
			Err:       notif.Params.Result.Value.Err,
		}
		select {
		case out <- ln:
		case <-ctx.Done():
			return ctx.Err()
		default:
			w.logger.Warn("dropping log notification, consumer behind",
				zap.String("signature", ln.Signature))
		}
	}
}
