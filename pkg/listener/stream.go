package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const wsPingInterval = 30 * time.Second

type wsSubscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsSubscribeResponse struct {
	ID     int `json:"id"`
	Result int `json:"result"`
}

type wsAccountNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot int64 `json:"slot"`
			} `json:"context"`
		} `json:"result"`
		Subscription int `json:"subscription"`
	} `json:"params"`
}

// Stream maintains one websocket connection carrying an accountSubscribe
// subscription per watched wallet and pushes activity notifications into
// the shared queue, debounced and reconnecting with bounded backoff.
type Stream struct {
	log          zerolog.Logger
	url          string
	queue        *Queue
	debounce     time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func NewStream(log zerolog.Logger, url string, queue *Queue, debounce, reconnectMin, reconnectMax time.Duration) *Stream {
	return &Stream{log: log, url: url, queue: queue, debounce: debounce, reconnectMin: reconnectMin, reconnectMax: reconnectMax}
}

// Run subscribes to account-update notifications for each wallet in
// wallets and blocks until ctx is canceled, reconnecting on any
// connection error with exponential backoff bounded by
// [reconnectMin, reconnectMax].
func (s *Stream) Run(ctx context.Context, wallets []TrackedWallet) error {
	backoffDur := s.reconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.runOnce(ctx, wallets); err != nil {
			s.log.Warn().Err(err).Dur("backoff", backoffDur).Msg("stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDur):
			}
			backoffDur *= 2
			if backoffDur > s.reconnectMax {
				backoffDur = s.reconnectMax
			}
			continue
		}
		backoffDur = s.reconnectMin
	}
}

func (s *Stream) runOnce(ctx context.Context, wallets []TrackedWallet) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	subIDToWallet := make(map[int]TrackedWallet, len(wallets))
	for i, w := range wallets {
		id := i + 1
		subIDToWallet[id] = w
		req := wsSubscribeRequest{
			JSONRPC: "2.0", ID: id, Method: "accountSubscribe",
			Params: []interface{}{
				w.Wallet,
				map[string]interface{}{"encoding": "base64", "commitment": "confirmed"},
			},
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}

	subscriptionWallet := make(map[int]TrackedWallet)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	lastEnqueued := make(map[string]time.Time)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}

		var ack wsSubscribeResponse
		if json.Unmarshal(raw, &ack) == nil && ack.ID != 0 {
			if w, ok := subIDToWallet[ack.ID]; ok {
				subscriptionWallet[ack.Result] = w
			}
			continue
		}

		var note wsAccountNotification
		if json.Unmarshal(raw, &note) != nil || note.Method != "accountNotification" {
			continue
		}
		w, ok := subscriptionWallet[note.Params.Subscription]
		if !ok {
			continue
		}

		now := time.Now()
		if last, ok := lastEnqueued[w.Wallet]; ok && now.Sub(last) < s.debounce {
			continue
		}
		lastEnqueued[w.Wallet] = now

		if s.queue.Push(Event{Wallet: w.Wallet, Priority: w.Priority, Source: "stream"}) {
			s.log.Debug().Str("wallet", w.Wallet).Int64("slot", note.Params.Result.Context.Slot).Msg("stream activity enqueued")
		}
	}
}
