// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package pairingweb serves the browser side of wallet pairing: a loopback
// HTTP server on an ephemeral port showing the QR code, with a websocket
// pushing the pairing result to the page. Access requires a per-instance
// capability token so other local processes cannot read the pairing URI.
package pairingweb

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/browser"

	"github.com/aplane-algo/apcustody/internal/util"
)

// closeDelay gives the page's websocket time to deliver the final status
// frame before the server goes away.
const closeDelay = 500 * time.Millisecond

// PageContent is everything the pairing page renders.
type PageContent struct {
	URI          string
	QRDataURL    string
	WalletName   string
	Network      string
	Instructions string
}

type statusFrame struct {
	Status   string   `json:"status"`
	Accounts []string `json:"accounts,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Server is a single-use pairing page. Create, show, signal once, gone.
type Server struct {
	token    string
	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	content  PageContent

	mu       sync.Mutex
	sockets  []*websocket.Conn
	signaled bool
	final    []byte // marshaled status frame once signaled

	timer *time.Timer
}

// NewServer binds a loopback listener and starts serving the pairing page.
// The timeout arms an internal timer broadcasting a timeout status if no
// signal arrives first.
func NewServer(content PageContent, timeout time.Duration) (*Server, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind loopback listener: %w", err)
	}

	s := &Server{
		token:    token,
		listener: listener,
		content:  content,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePage)
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			util.Debug("pairing page server stopped", "err", err)
		}
	}()

	s.timer = time.AfterFunc(timeout, func() {
		s.signal(statusFrame{Status: "timeout"})
	})

	return s, nil
}

// URL returns the tokenized page address.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s/?token=%s", s.listener.Addr().String(), s.token)
}

// OpenBrowser opens the pairing page in the default browser. Failure is not
// fatal: the URL is always printed for manual opening.
func (s *Server) OpenBrowser() {
	if err := browser.OpenURL(s.URL()); err != nil {
		util.Debug("could not open browser", "err", err)
	}
}

// SignalConnected pushes the success status to all open pages. First signal
// wins; later signals are no-ops.
func (s *Server) SignalConnected(accounts []string) {
	s.signal(statusFrame{Status: "connected", Accounts: accounts})
}

// SignalError pushes a failure status to all open pages.
func (s *Server) SignalError(message string) {
	s.signal(statusFrame{Status: "error", Message: message})
}

func (s *Server) signal(frame statusFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.signaled {
		s.mu.Unlock()
		return
	}
	s.signaled = true
	s.final = payload
	sockets := append([]*websocket.Conn(nil), s.sockets...)
	s.mu.Unlock()

	s.timer.Stop()

	for _, socket := range sockets {
		if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
			util.Debug("failed to push pairing status", "err", err)
		}
	}

	time.AfterFunc(closeDelay, func() { _ = s.Close() })
}

// Close tears the server down. Safe to call more than once.
func (s *Server) Close() error {
	s.timer.Stop()

	s.mu.Lock()
	sockets := s.sockets
	s.sockets = nil
	s.mu.Unlock()
	for _, socket := range sockets {
		_ = socket.Close()
	}
	return s.httpSrv.Close()
}

// authorized validates the capability token in constant time.
func (s *Server) authorized(r *http.Request) bool {
	return util.ValidateToken(r.URL.Query().Get("token"), s.token)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	data := struct {
		PageContent
		WSURL string
	}{
		PageContent: s.content,
		WSURL:       fmt.Sprintf("ws://%s/ws?token=%s", s.listener.Addr().String(), s.token),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		util.Debug("failed to render pairing page", "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	waiting, _ := json.Marshal(statusFrame{Status: "waiting"})
	if err := socket.WriteMessage(websocket.TextMessage, waiting); err != nil {
		_ = socket.Close()
		return
	}

	// A page loaded after the result is in still gets the final status.
	s.mu.Lock()
	final := s.final
	s.sockets = append(s.sockets, socket)
	s.mu.Unlock()
	if final != nil {
		if err := socket.WriteMessage(websocket.TextMessage, final); err != nil {
			util.Debug("failed to push pairing status", "err", err)
		}
	}

	// Drain the socket so close frames are processed; the page never sends
	// application messages.
	go func() {
		for {
			if _, _, err := socket.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

var pageTemplate = template.Must(template.New("pairing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Pair {{.WalletName}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 480px; margin: 40px auto; text-align: center; }
img { width: 256px; height: 256px; }
code { word-break: break-all; font-size: 11px; color: #666; }
#status { font-weight: 600; margin: 16px 0; }
.muted { color: #888; font-size: 13px; }
</style>
</head>
<body>
<h2>Pair {{.WalletName}}</h2>
<p class="muted">Network: {{.Network}}</p>
<img src="{{.QRDataURL}}" alt="pairing QR code">
<p>{{.Instructions}}</p>
<p id="status">Waiting for the wallet&hellip;</p>
<p><code>{{.URI}}</code></p>
<script>
var ws = new WebSocket("{{.WSURL}}");
var status = document.getElementById("status");
ws.onmessage = function (ev) {
  var frame = JSON.parse(ev.data);
  if (frame.status === "connected") {
    status.textContent = "Connected: " + frame.accounts.join(", ");
  } else if (frame.status === "error") {
    status.textContent = "Pairing failed: " + frame.message;
  } else if (frame.status === "timeout") {
    status.textContent = "Pairing timed out. Close this page and retry.";
  }
};
ws.onclose = function () {
  if (status.textContent.indexOf("Waiting") === 0) {
    status.textContent = "Connection to the pairing helper closed.";
  }
};
</script>
</body>
</html>
`))
