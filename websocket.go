package apisec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// relayWebSocket completes an upgrade the origin accepted and splices bytes
// in both directions until either side closes. Frames are relayed opaquely.
// The transaction is recorded at the handshake; the sink is told the byte
// counts when the session ends.
func (c *proxyConn) relayWebSocket(conn net.Conn, br *bufio.Reader, resp *http.Response, tx *Transaction) {
	p := c.p

	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = resp.Body.Close()
		c.upstreamFailed(conn, tx, fmt.Errorf("upgrade response body is not writable"))
		return
	}
	defer func() { _ = upstream.Close() }()

	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %03d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	_ = resp.Header.Write(&head)
	head.WriteString("\r\n")
	if _, err := conn.Write(head.Bytes()); err != nil {
		connErr := &ConnectionError{Client: c.client, Err: fmt.Errorf("write upgrade response: %w", err)}
		tx.Error = connErr.Error()
		c.finish(tx)
		return
	}

	tx.Status = resp.StatusCode
	tx.ResponseHeader = resp.Header.Clone()
	c.finish(tx)
	if p.Metrics != nil {
		p.Metrics.RecordWebSocketSession()
	}
	p.Logger.Debug("websocket session opened", "tx", tx.ID, "url", tx.URL)

	type copyResult struct {
		toOrigin bool
		n        int64
	}
	results := make(chan copyResult, 2)
	go func() {
		n, _ := io.Copy(upstream, br)
		results <- copyResult{toOrigin: true, n: n}
	}()
	go func() {
		n, _ := io.Copy(conn, upstream)
		results <- copyResult{n: n}
	}()

	var toOrigin, toClient int64
	for i := 0; i < 2; i++ {
		r := <-results
		if r.toOrigin {
			toOrigin = r.n
		} else {
			toClient = r.n
		}
		if i == 0 {
			// One side finished; unblock the other.
			_ = upstream.Close()
			_ = conn.SetDeadline(time.Now())
		}
	}

	p.Logger.Debug("websocket session closed", "tx", tx.ID, "to_origin", toOrigin, "to_client", toClient)
	p.Sink.SessionClosed(tx, toOrigin, toClient)
}
