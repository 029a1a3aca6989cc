package spjs

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/lasergrave/engraver/grbl"
)

func init() {
	Logf = func(string, ...interface{}) {}
	grbl.Logf = Logf
}

// fakeServer speaks enough of the server protocol to list, open, close
// and write ports. Every line written to an open port is answered with
// reply, if set.
type fakeServer struct {
	mx    sync.Mutex
	open  map[string]bool
	lines []string
	reply func(line string) string
}

func newFakeServer(t *testing.T, ports ...string) (*fakeServer, string) {
	f := &fakeServer{open: make(map[string]bool)}
	for _, p := range ports {
		f.open[p] = false
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeServer) isOpen(name string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.open[name]
}

func (f *fakeServer) setReply(fn func(line string) string) {
	f.mx.Lock()
	f.reply = fn
	f.mx.Unlock()
}

func (f *fakeServer) written() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := (&websocket.Upgrader{}).Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	send := func(v interface{}) {
		data, _ := json.Marshal(v)
		ws.WriteMessage(websocket.TextMessage, data)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, data)

		cmd := string(data)
		fields := strings.Fields(cmd)
		f.mx.Lock()
		switch {
		case cmd == "list":
			var list SerialPortList
			for name, open := range f.open {
				list.SerialPorts = append(list.SerialPorts, SerialPort{Name: name, IsOpen: open})
			}
			f.mx.Unlock()
			send(list)
			continue
		case fields[0] == "open":
			f.open[fields[1]] = true
		case fields[0] == "close":
			f.open[fields[1]] = false
		case fields[0] == "sendjson":
			var j JSON
			json.Unmarshal([]byte(strings.TrimPrefix(cmd, "sendjson ")), &j)
			var replies []DataFrame
			for _, d := range j.Data {
				f.lines = append(f.lines, d.Data)
				if f.reply != nil {
					if r := f.reply(d.Data); r != "" {
						replies = append(replies, DataFrame{Port: j.Port, Data: r})
					}
				}
			}
			f.mx.Unlock()
			for _, r := range replies {
				send(r)
			}
			continue
		}
		f.mx.Unlock()
	}
}

func TestListPorts(t *testing.T) {
	_, url := newFakeServer(t, "/dev/ttyUSB0", "/dev/ttyS0")

	ports, err := ListPorts(url)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, ports)

	_, err = ListPorts("ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestOpener(t *testing.T) {
	f, url := newFakeServer(t, "/dev/ttyUSB0")
	f.setReply(func(line string) string { return "echo " + line })

	rwc, err := Opener(url, "/dev/ttyUSB0", 115200)()
	require.NoError(t, err)
	assert.True(t, f.isOpen("/dev/ttyUSB0"))

	n, err := rwc.Write([]byte("G21G90\nM5\n?"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 64)
	var got strings.Builder
	for !strings.Contains(got.String(), "M5") {
		n, err := rwc.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Equal(t, "echo G21G90\necho M5\n", got.String())
	assert.Eventually(t, func() bool { return len(f.written()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"G21G90\n", "M5\n", "?"}, f.written())

	require.NoError(t, rwc.Close())
	assert.Eventually(t, func() bool { return !f.isOpen("/dev/ttyUSB0") }, time.Second, time.Millisecond)

	_, err = rwc.Write([]byte("M5\n"))
	assert.Equal(t, io.ErrClosedPipe, err)
	_, err = rwc.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestOpener_NoPort(t *testing.T) {
	_, url := newFakeServer(t, "/dev/ttyUSB0")

	_, err := Opener(url, "/dev/ttyACM3", 115200)()
	assert.EqualError(t, err, `spjs: no port "/dev/ttyACM3"`)
}

// grbl streams through the server like through a local port.
func TestOpener_Grbl(t *testing.T) {
	f, url := newFakeServer(t, "/dev/ttyUSB0")
	f.setReply(func(line string) string {
		if strings.HasPrefix(line, "M8") {
			return "error:20\n"
		}
		return "ok\n"
	})

	rwc, err := Opener(url, "/dev/ttyUSB0", 115200)()
	require.NoError(t, err)
	c := grbl.NewConn(rwc)
	defer c.Close()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err = c.Send(strings.NewReader("G21G90\nG0X1Y1\n"), time.Second)
	require.NoError(t, err)

	_, err = c.Send(strings.NewReader("M8\n"), time.Second)
	var ce *grbl.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "error:20", ce.Code)
	assert.Equal(t, []string{"G21G90\n", "G0X1Y1\n", "M8\n"}, f.written())
}

func TestParseMessage(t *testing.T) {
	for _, c := range []struct {
		data string
		want interface{}
	}{
		{`{"P":"/dev/ttyUSB0","D":"ok\n"}`, &DataFrame{Port: "/dev/ttyUSB0", Data: "ok\n"}},
		{`{"Error":"port busy"}`, &ErrorMessage{Error: "port busy"}},
		{`{"Cmd":"Complete","Id":"lg_1"}`, &CmdStatus{Cmd: "Complete", ID: "lg_1"}},
		{`{"SerialPorts":[{"Name":"COM3","IsOpen":true}]}`, &SerialPortList{SerialPorts: []SerialPort{{Name: "COM3", IsOpen: true}}}},
	} {
		got, err := parseMessage([]byte(c.data))
		require.NoError(t, err, c.data)
		assert.Equal(t, c.want, got, c.data)
	}

	_, err := parseMessage([]byte(`{"Hostname":"bridge"}`))
	assert.Error(t, err)
	_, err = parseMessage([]byte(`not json`))
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(nextID(), "lg_"))
}
