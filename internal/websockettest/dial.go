// Package websockettest provides dial helpers for exercising the transport
// against misbehaving peers.
package websockettest

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// DialIgnoringPings establishes a WebSocket connection that never answers
// protocol pings, simulating a half-open peer the heartbeat sweep must evict.
func DialIgnoringPings(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
