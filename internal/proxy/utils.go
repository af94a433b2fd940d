package proxy

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
)

// dumbResponseWriter lets goproxy hijack a raw TLS connection accepted by the
// transparent listener
type dumbResponseWriter struct {
	net.Conn
}

func (dumb dumbResponseWriter) Header() http.Header {
	return http.Header{}
}

func (dumb dumbResponseWriter) Write(buf []byte) (int, error) {
	// The client never sent a CONNECT, so it must not see the answer to it
	if bytes.HasPrefix(buf, []byte("HTTP/1.0 200 ")) && bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
		return len(buf), nil
	}
	return dumb.Conn.Write(buf)
}

func (dumb dumbResponseWriter) WriteHeader(code int) {}

func (dumb dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return dumb, bufio.NewReadWriter(bufio.NewReader(dumb), bufio.NewWriter(dumb)), nil
}
