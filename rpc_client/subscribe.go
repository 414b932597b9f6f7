package rpcclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/log"
	"github.com/gorilla/websocket"
)

// LogsNotification is one transaction's log output delivered by the
// subscription stream.
type LogsNotification struct {
	Signature string
	Slot      uint64
	Logs      []string
	Failed    bool
}

// LogsHandler consumes live notifications. Handlers must tolerate duplicate
// and out-of-order delivery; the mirror's max-seq-per-index rule makes
// replays harmless.
type LogsHandler func(*LogsNotification)

// LogsSubscription is a websocket subscription to every transaction
// mentioning one program. On read errors it reconnects and resubscribes on
// its own; events dropped while disconnected are the backfiller's problem.
type LogsSubscription struct {
	wsurl   string
	program common.Hash
	handler LogsHandler

	wsConn  *websocket.Conn
	wsMutex sync.Mutex // to protect writes and reconnects
	closed  atomic.Bool
}

type wsEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// pause between redial attempts; a var so tests can shorten it
var reconnectDelay = time.Second

// SubscribeLogs opens a logsSubscribe stream for the program and dispatches
// notifications to the handler from a background goroutine.
func SubscribeLogs(wsURL string, program common.Hash, handler LogsHandler) (*LogsSubscription, error) {
	s := &LogsSubscription{
		wsurl:   wsURL,
		program: program,
		handler: handler,
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}
	s.wsConn = conn
	if err := s.sendSubscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	go s.listen()
	return s, nil
}

func (s *LogsSubscription) sendSubscribe() error {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return s.writeSubscribeLocked(s.wsConn)
}

func (s *LogsSubscription) writeSubscribeLocked(conn *websocket.Conn) error {
	req := rpcRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{s.program.Hex()}},
			map[string]interface{}{"commitment": "confirmed"},
		},
	}
	return conn.WriteJSON(req)
}

func (s *LogsSubscription) listen() {
	for {
		if s.closed.Load() {
			return
		}
		s.wsMutex.Lock()
		conn := s.wsConn
		s.wsMutex.Unlock()
		if conn == nil {
			// last redial failed; keep trying until Close
			time.Sleep(reconnectDelay)
			s.reconnect()
			continue
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			log.Warn(log.RPCMonitoring, "subscription read error", "program", common.Str(s.program), "err", err)
			time.Sleep(reconnectDelay)
			s.reconnect()
			continue
		}

		notification, ok, err := parseLogsNotification(msg)
		if err != nil {
			log.Warn(log.RPCMonitoring, "failed to parse subscription message", "err", err)
			continue
		}
		if ok {
			s.handler(notification)
		}
	}
}

// reconnect redials and resubscribes. On failure it leaves wsConn nil; the
// listen loop retries on its next pass.
func (s *LogsSubscription) reconnect() {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	if s.closed.Load() {
		return
	}
	if s.wsConn != nil {
		s.wsConn.Close()
		s.wsConn = nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.wsurl, nil)
	if err != nil {
		log.Error(log.RPCMonitoring, "failed to reconnect subscription", "program", common.Str(s.program), "err", err)
		return
	}
	if err := s.writeSubscribeLocked(conn); err != nil {
		log.Error(log.RPCMonitoring, "failed to resubscribe", "program", common.Str(s.program), "err", err)
		conn.Close()
		return
	}
	s.wsConn = conn
	log.Info(log.RPCMonitoring, "subscription reconnected", "program", common.Str(s.program))
}

// Close tears the subscription down. Safe to call more than once.
func (s *LogsSubscription) Close() error {
	s.closed.Store(true)
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.wsConn != nil {
		err := s.wsConn.Close()
		s.wsConn = nil
		return err
	}
	return nil
}

// parseLogsNotification decodes a logsNotification envelope. Returns
// ok=false for unrelated messages such as subscription confirmations.
func parseLogsNotification(msg []byte) (*LogsNotification, bool, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, false, err
	}
	if envelope.Method != "logsNotification" {
		return nil, false, nil
	}
	var params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string      `json:"signature"`
				Err       interface{} `json:"err"`
				Logs      []string    `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(envelope.Params, &params); err != nil {
		return nil, false, err
	}
	return &LogsNotification{
		Signature: params.Result.Value.Signature,
		Slot:      params.Result.Context.Slot,
		Logs:      params.Result.Value.Logs,
		Failed:    params.Result.Value.Err != nil,
	}, true, nil
}
