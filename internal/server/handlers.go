package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
)

// WebSocketHandler authenticates the handshake, upgrades the connection, and
// hands the client to the hub. A missing or invalid token is refused with 401
// before the upgrade, so no event handler is ever reachable without an
// identity.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity := s.verifier.Verify(auth.TokenFromRequest(r))
	if identity == nil {
		s.logger.Info("rejected unauthenticated websocket handshake", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, *identity)
	if !s.hub.Register(client) {
		client.abort()
	}
}

// HealthHandler reports that the server is up, with the current time.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// TestPageHandler serves a small console for exercising the websocket
// protocol by hand: connect with a token, join channels, send messages, and
// watch acknowledgements and broadcasts.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Gateway Console</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 360px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
            font-size: 12px;
        }
        input[type="text"] { width: 260px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Gateway Console</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="Session token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 8px">
        <input type="text" id="channel" placeholder="Channel ID">
        <button onclick="emit('channel:join', {channelId: channel()})">Join</button>
        <button onclick="emit('typing:start', {channelId: channel()})">Typing</button>
    </div>
    <div style="margin-top: 8px">
        <input type="text" id="content" placeholder="Message">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        let ackSeq = 0;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function channel() { return document.getElementById('channel').value.trim(); }

        function log(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const token = document.getElementById('token').value.trim();
            const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
            ws = new WebSocket(scheme + '://' + location.host + '/ws?token=' + encodeURIComponent(token));
            ws.onopen = function() { log('connected'); updateStatus(true); };
            ws.onmessage = function(event) {
                const frame = JSON.parse(event.data);
                log('<- ' + event.data, frame.event === 'ack' ? 'blue' : 'green');
            };
            ws.onclose = function() { log('connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { log('connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { log('not connected', 'red'); return; }
            const frame = JSON.stringify({event: event, ackId: ++ackSeq, data: data});
            ws.send(frame);
            log('-> ' + frame, 'black');
        }

        function sendMessage() {
            const input = document.getElementById('content');
            const content = input.value.trim();
            if (content) {
                emit('message:send', {channelId: channel(), content: content});
                input.value = '';
            }
        }

        document.getElementById('content').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
