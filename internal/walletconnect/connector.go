// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// OutcomeKind tags the single resolution of a pairing attempt at the
// connector level. Timeouts are layered on top by the pairing flow.
type OutcomeKind int

const (
	OutcomeConnected OutcomeKind = iota
	OutcomeRejected
)

// Outcome carries the connector's one resolution. For Connected, Accounts
// holds the approved raw addresses and PeerTopic the wallet's publish topic.
type Outcome struct {
	Kind      OutcomeKind
	Accounts  []string
	ChainID   string
	PeerTopic string
	Reason    string
}

// Connector is the transport under a pairing session. A fresh connector
// resolves its Outcome exactly once; a resumed connector never resolves (the
// session is already established) and is used for requests only.
type Connector interface {
	// URI returns the pairing URI for a fresh connector, empty on resume.
	URI() string

	// Topic and KeyHex expose the subscription topic and hex session key so
	// a confirmed pairing can be persisted.
	Topic() string
	KeyHex() string

	// Outcome delivers the single pairing resolution.
	Outcome() <-chan Outcome

	// Request performs one JSON-RPC round trip to the wallet peer.
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// Probe verifies the session topic is still known at the bridge.
	Probe(ctx context.Context) error

	// KillSession notifies the peer the session is over. Best-effort.
	KillSession() error

	Close() error
}

// bridge wire frame
type bridgeFrame struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"` // "pub", "sub", "ack"
	Payload string `json:"payload,omitempty"`
	Silent  bool   `json:"silent"`
}

type rpcRequest struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// sessionRequestParams is the handshake payload published to the handshake
// topic for the wallet to pick up after scanning the QR code.
type sessionRequestParams struct {
	PeerID  string `json:"peer_id"`
	AppName string `json:"app_name"`
	AppURL  string `json:"app_url"`
	ChainID string `json:"chain_id"`
}

// sessionApproval is the wallet's response to the session request, and also
// the body of a wc_sessionUpdate notification.
type sessionApproval struct {
	Approved bool     `json:"approved"`
	ChainID  string   `json:"chain_id"`
	Accounts []string `json:"accounts"`
	PeerID   string   `json:"peer_id"`
}

const (
	methodSessionRequest = "wc_sessionRequest"
	methodSessionUpdate  = "wc_sessionUpdate"
)

// bridgeConnector implements Connector over a websocket to the bridge relay.
type bridgeConnector struct {
	conn *websocket.Conn
	keys *payloadKeys

	topic     string // our subscription topic
	peerTopic string // wallet's topic; set on approval for fresh pairings
	keyHex    string
	uri       string

	outcome     chan Outcome
	resolveOnce sync.Once
	connected   bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResponse
	nextID    int64

	acks   chan struct{}
	closed chan struct{}
	mu     sync.Mutex // guards peerTopic, connected
}

// wsURL converts a bridge HTTP URL to its websocket form.
func wsURL(bridge string) string {
	switch {
	case strings.HasPrefix(bridge, "https://"):
		return "wss://" + strings.TrimPrefix(bridge, "https://")
	case strings.HasPrefix(bridge, "http://"):
		return "ws://" + strings.TrimPrefix(bridge, "http://")
	default:
		return bridge
	}
}

func newConnector(conn *websocket.Conn, keys *payloadKeys, topic, peerTopic, keyHex, uri string) *bridgeConnector {
	c := &bridgeConnector{
		conn:      conn,
		keys:      keys,
		topic:     topic,
		peerTopic: peerTopic,
		keyHex:    keyHex,
		uri:       uri,
		outcome:   make(chan Outcome, 1),
		pending:   make(map[int64]chan rpcResponse),
		acks:      make(chan struct{}, 4),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// DialFresh opens a new pairing: subscribe to a fresh client topic, publish
// the session request to a fresh handshake topic, and hand back a connector
// whose Outcome resolves when the wallet approves or rejects.
func DialFresh(ctx context.Context, bridge string, app sessionRequestParams) (*bridgeConnector, error) {
	key, err := newSessionKey()
	if err != nil {
		return nil, custody.E(custody.KindInitializationFailed, "wallet.dial", "", err)
	}
	keys, err := deriveKeys(key)
	if err != nil {
		return nil, custody.E(custody.KindInitializationFailed, "wallet.dial", "", err)
	}

	handshakeTopic := uuid.NewString()
	clientTopic := uuid.NewString()
	app.PeerID = clientTopic

	uri := fmt.Sprintf("wc:%s@1?bridge=%s&key=%s&algorand=%s",
		handshakeTopic, url.QueryEscape(bridge), hex.EncodeToString(key), url.QueryEscape(app.ChainID))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(bridge), nil)
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "wallet.dial",
			"could not reach the wallet bridge relay; check your network connection", err)
	}

	c := newConnector(conn, keys, clientTopic, "", hex.EncodeToString(key), uri)

	if err := c.subscribe(clientTopic); err != nil {
		_ = c.Close()
		return nil, err
	}

	params, _ := json.Marshal([]sessionRequestParams{app})
	req := rpcRequest{ID: c.reserveID(), JSONRPC: "2.0", Method: methodSessionRequest, Params: params}
	if err := c.publish(handshakeTopic, req); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// DialSession reattaches to a previously confirmed session.
func DialSession(ctx context.Context, session *Session) (*bridgeConnector, error) {
	key, err := hex.DecodeString(session.Key)
	if err != nil {
		return nil, custody.E(custody.KindInvalid, "wallet.resume",
			"the stored session is corrupt; re-pair the wallet", err)
	}
	keys, err := deriveKeys(key)
	if err != nil {
		return nil, custody.E(custody.KindInvalid, "wallet.resume",
			"the stored session is corrupt; re-pair the wallet", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(session.BridgeURL), nil)
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "wallet.resume",
			"could not reach the wallet bridge relay; check your network connection", err)
	}

	c := newConnector(conn, keys, session.Topic, session.PeerTopic, session.Key, "")
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if err := c.subscribe(session.Topic); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *bridgeConnector) URI() string             { return c.uri }
func (c *bridgeConnector) Topic() string           { return c.topic }
func (c *bridgeConnector) KeyHex() string          { return c.keyHex }
func (c *bridgeConnector) Outcome() <-chan Outcome { return c.outcome }

func (c *bridgeConnector) reserveID() int64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *bridgeConnector) writeFrame(frame bridgeFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		return custody.E(custody.KindUnavailable, "wallet.send",
			"the bridge connection dropped; retry the operation", err)
	}
	return nil
}

func (c *bridgeConnector) subscribe(topic string) error {
	return c.writeFrame(bridgeFrame{Topic: topic, Type: "sub", Silent: true})
}

func (c *bridgeConnector) publish(topic string, body interface{}) error {
	plaintext, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	env, err := c.keys.seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.writeFrame(bridgeFrame{Topic: topic, Type: "pub", Payload: string(payload), Silent: true})
}

// Request publishes one JSON-RPC request to the peer topic and waits for the
// matching response or context expiry.
func (c *bridgeConnector) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	peerTopic := c.peerTopic
	c.mu.Unlock()
	if peerTopic == "" {
		return nil, custody.Errorf(custody.KindUnavailable, "wallet.request",
			"pair the wallet first", "no established session")
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	id := c.reserveID()
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := rpcRequest{ID: id, JSONRPC: "2.0", Method: method, Params: rawParams}
	if err := c.publish(peerTopic, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("wallet returned error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-c.closed:
		return nil, custody.Errorf(custody.KindUnavailable, "wallet.request",
			"the bridge connection dropped; retry the operation", "connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Probe waits for the bridge to acknowledge our subscription, proving the
// topic is known server-side. Used when resuming a stored session.
func (c *bridgeConnector) Probe(ctx context.Context) error {
	select {
	case <-c.acks:
		return nil
	case <-c.closed:
		return custody.Errorf(custody.KindUnavailable, "wallet.probe", "",
			"bridge closed the connection")
	case <-ctx.Done():
		return custody.E(custody.KindTimeout, "wallet.probe",
			"the bridge did not acknowledge the stored session; it has likely expired", ctx.Err())
	}
}

// KillSession tells the peer the session is terminated. Errors are returned
// for logging but callers must not treat them as fatal: local session state
// is cleared regardless.
func (c *bridgeConnector) KillSession() error {
	c.mu.Lock()
	peerTopic := c.peerTopic
	c.mu.Unlock()
	if peerTopic == "" {
		return nil
	}

	params, _ := json.Marshal([]sessionApproval{{Approved: false}})
	req := rpcRequest{ID: c.reserveID(), JSONRPC: "2.0", Method: methodSessionUpdate, Params: params}
	return c.publish(peerTopic, req)
}

func (c *bridgeConnector) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	return c.conn.Close()
}

// resolve delivers the single pairing outcome. Later calls are no-ops; the
// race loser must not mutate any further state.
func (c *bridgeConnector) resolve(outcome Outcome) {
	c.resolveOnce.Do(func() {
		c.outcome <- outcome
	})
}

func (c *bridgeConnector) readLoop() {
	defer func() {
		close(c.closed)

		// A drop before the wallet ever approved is the rejection signal;
		// after approval it is just a broken transport.
		c.mu.Lock()
		wasConnected := c.connected
		c.mu.Unlock()
		if !wasConnected {
			c.resolve(Outcome{Kind: OutcomeRejected, Reason: "connection closed before approval"})
		}

		// An abandoned Request may have left its buffered response channel
		// full; never block teardown on it.
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			select {
			case ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: "connection closed"}}:
			default:
			}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	for {
		var frame bridgeFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "ack":
			select {
			case c.acks <- struct{}{}:
			default:
			}
		case "pub":
			c.handlePayload(frame.Payload)
		}
	}
}

func (c *bridgeConnector) handlePayload(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		util.Debug("dropping malformed bridge payload", "err", err)
		return
	}
	plaintext, err := c.keys.open(&env)
	if err != nil {
		util.Debug("dropping unauthenticated bridge payload", "err", err)
		return
	}

	// Responses carry result/error; requests carry a method.
	var probe struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return
	}

	if probe.Method == "" {
		var resp rpcResponse
		if err := json.Unmarshal(plaintext, &resp); err != nil {
			return
		}
		c.dispatchResponse(resp, plaintext)
		return
	}

	if probe.Method == methodSessionUpdate {
		var req rpcRequest
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return
		}
		var updates []sessionApproval
		if err := json.Unmarshal(req.Params, &updates); err != nil || len(updates) == 0 {
			return
		}
		if !updates[0].Approved {
			c.mu.Lock()
			wasConnected := c.connected
			c.mu.Unlock()
			if !wasConnected {
				c.resolve(Outcome{Kind: OutcomeRejected, Reason: "wallet rejected the pairing"})
			}
			_ = c.Close()
		}
	}
}

func (c *bridgeConnector) dispatchResponse(resp rpcResponse, plaintext []byte) {
	// The session-request response (always id 1 on a fresh connector) is the
	// approval; everything else routes to a pending Request call.
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected && resp.ID == 1 {
		if resp.Error != nil {
			c.resolve(Outcome{Kind: OutcomeRejected, Reason: resp.Error.Message})
			return
		}
		var approval sessionApproval
		if err := json.Unmarshal(resp.Result, &approval); err != nil {
			c.resolve(Outcome{Kind: OutcomeRejected, Reason: "malformed approval payload"})
			return
		}
		if !approval.Approved || len(approval.Accounts) == 0 {
			c.resolve(Outcome{Kind: OutcomeRejected, Reason: "wallet rejected the pairing"})
			return
		}

		c.mu.Lock()
		c.connected = true
		c.peerTopic = approval.PeerID
		c.mu.Unlock()

		c.resolve(Outcome{
			Kind:      OutcomeConnected,
			Accounts:  approval.Accounts,
			ChainID:   approval.ChainID,
			PeerTopic: approval.PeerID,
		})
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}
