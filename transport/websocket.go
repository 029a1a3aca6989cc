package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket returns an Opener for a serial-over-websocket bridge. Every
// write is sent as one binary message; every binary message received is
// passed through as raw bytes. Text messages are treated as bridge chatter
// and ignored.
func WebSocket(url string) Opener {
	return func() (io.ReadWriteCloser, error) {
		if url == "" {
			return nil, errors.New("transport: websocket url required")
		}
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		Logf("transport: connected to %s", url)
		return &wsStream{ws: ws}, nil
	}
}

type wsStream struct {
	ws *websocket.Conn

	rbuf bytes.Buffer
	wMx  sync.Mutex
}

func (s *wsStream) Read(p []byte) (int, error) {
	for s.rbuf.Len() == 0 {
		typ, data, err := s.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		s.rbuf.Write(data)
	}
	return s.rbuf.Read(p)
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wMx.Lock()
	defer s.wMx.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wMx.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wMx.Unlock()
	return s.ws.Close()
}
