// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/parser"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoParser struct{}

func (echoParser) Parse(ctx context.Context, r io.Reader, w, back io.Writer, dir parser.Direction, h handler.Handler, hctx *handler.Context) error {
	buf := make([]byte, 1024)
	n, err := r.Read(buf)
	if err != nil {
		return err
	}
	_, err = w.Write(buf[:n])
	return err
}

type recordingHandler struct {
	handler.NoopHandler

	mu   sync.Mutex
	hctx *handler.Context
	done chan struct{}
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.hctx = hctx
	h.mu.Unlock()
	close(h.done)
	return nil
}

func echoBroker(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(s string) string {
	return "ws" + strings.TrimPrefix(s, "http")
}

func TestParserProxiesSession(t *testing.T) {
	broker := echoBroker(t)
	h := &recordingHandler{done: make(chan struct{})}
	p := NewParser(wsURL(broker.URL)+"/mqtt", echoParser{}, h, nil, nil)
	proxy := httptest.NewServer(p)
	defer proxy.Close()

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	c, resp, err := d.Dial(wsURL(proxy.URL)+"/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte("ping")))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))

	c.Close()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "ws", h.hctx.Protocol)
	assert.NotEmpty(t, h.hctx.SessionID)
}

func TestParserRejectsOrigin(t *testing.T) {
	broker := echoBroker(t)
	deny := func(*http.Request) bool { return false }
	p := NewParser(wsURL(broker.URL), echoParser{}, &handler.NoopHandler{}, deny, nil)
	proxy := httptest.NewServer(p)
	defer proxy.Close()

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	_, resp, err := d.Dial(wsURL(proxy.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBuildTargetURL(t *testing.T) {
	cases := []struct {
		desc   string
		target string
		req    string
		want   string
	}{
		{"target path kept", "ws://broker:8080/mqtt", "/ws?x=1", "ws://broker:8080/mqtt?x=1"},
		{"request path forwarded", "ws://broker:8080", "/mqtt", "ws://broker:8080/mqtt"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			p := NewParser(tc.target, echoParser{}, &handler.NoopHandler{}, nil, nil)
			r := httptest.NewRequest(http.MethodGet, tc.req, nil)
			got, err := p.buildTargetURL(r)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConnReadSpansMessages(t *testing.T) {
	broker := echoBroker(t)
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, _, err := d.Dial(wsURL(broker.URL), nil)
	require.NoError(t, err)
	c := NewConn(ws)
	defer c.Close()

	_, err = c.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = c.Write([]byte("cd"))
	require.NoError(t, err)

	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf))
}
