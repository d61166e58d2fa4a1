package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nimbusmq/broker/network"
	"nhooyr.io/websocket"
)

// mqttSubprotocol is the WebSocket subprotocol MQTT over WebSockets
// clients and servers negotiate, per the OASIS transport binding.
const mqttSubprotocol = "mqtt"

var wsConnSeq atomic.Uint64

// WebSocketHandler returns an http.Handler that upgrades incoming requests
// to a WebSocket carrying MQTT binary frames, wraps the result as a
// net.Conn-compatible transport, and feeds it into the same accept path
// TCP listeners use. Domain selection (SNI/suffix/auth-probe/anonymous)
// sees the WebSocket's Host header wherever it would otherwise see TLS SNI.
func (b *Broker) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{mqttSubprotocol},
		})
		if err != nil {
			return
		}

		ctx := context.Background()
		conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

		id := fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), wsConnSeq.Add(1))
		nc := network.NewConnection(conn, id, &network.ConnectionConfig{
			KeepAlive: 30 * time.Second,
		})
		nc.SetMetadata("ws_host", r.Host)

		_ = b.handleAccept(nc)
	})
}

// DialWebSocket opens a WebSocket transport to an MQTT-over-WebSocket
// listener for the public client API's dialer path, grounded on the
// gonzalop-mq websocket example's wsDialer (websocket.Dial +
// websocket.NetConn). When compress is true the resulting net.Conn is
// wrapped in a zstd stream using the pure-Go klauspost/compress codec
// instead of the broker's own cgo-based DataDog/zstd, since client
// binaries are routinely built with CGO_ENABLED=0.
func DialWebSocket(ctx context.Context, urlStr string, compress bool) (net.Conn, error) {
	wsConn, _, err := websocket.Dial(ctx, urlStr, &websocket.DialOptions{
		Subprotocols: []string{mqttSubprotocol},
	})
	if err != nil {
		return nil, err
	}

	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	if !compress {
		return conn, nil
	}
	return newCompressConn(conn)
}

// compressConn layers a zstd stream over a net.Conn's Read/Write path,
// flushing every write since each one is already a complete MQTT wire
// packet that must not be delayed waiting for more bytes to buffer.
type compressConn struct {
	net.Conn
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCompressConn(c net.Conn) (*compressConn, error) {
	enc, err := zstd.NewWriter(c)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(c)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &compressConn{Conn: c, enc: enc, dec: dec}, nil
}

func (c *compressConn) Read(p []byte) (int, error) { return c.dec.Read(p) }

func (c *compressConn) Write(p []byte) (int, error) {
	n, err := c.enc.Write(p)
	if err != nil {
		return n, err
	}
	if err := c.enc.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *compressConn) Close() error {
	c.dec.Close()
	encErr := c.enc.Close()
	connErr := c.Conn.Close()
	if encErr != nil {
		return encErr
	}
	return connErr
}
