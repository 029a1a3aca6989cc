// Package spjs talks to a Serial Port JSON Server, a websocket service
// that shares the serial ports of the host it runs on. Commands are text
// ("list", "open", "sendjson ..."); replies and port data come back as
// JSON messages. Port data is carried in JSON strings, so only line based
// text protocols such as grbl can use it.
package spjs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mastercactapus/lasergrave/transport"
)

// Logf is used for diagnostics. Replace it to capture or mute output.
var Logf = log.Printf

const (
	// ListTimeout bounds a port list round trip.
	ListTimeout = 2 * time.Second
	// OpenTimeout bounds opening a port, including the server's own
	// open of the serial device.
	OpenTimeout = 5 * time.Second

	openPoll = 100 * time.Millisecond
)

type DataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

type CmdStatus struct {
	Cmd        string
	QueueCount int    `json:"QCnt"`
	ID         string `json:"Id"`
}

type ErrorMessage struct {
	Error string
}

type SerialPortList struct {
	SerialPorts []SerialPort
}

type SerialPort struct {
	Name            string
	Friendly        string
	IsOpen          bool
	Baud            int
	BufferAlgorithm string
}

// JSON is the payload of a sendjson command.
type JSON struct {
	Port string `json:"P"`
	Data []Data
}

type Data struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

var lastID int64

func nextID() string {
	id := atomic.AddInt64(&lastID, 1)
	return "lg_" + strconv.FormatInt(id, 36)
}

func parseMessage(data []byte) (val interface{}, err error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	check := func(fieldName string, v interface{}) bool {
		if msg[fieldName] == nil {
			return false
		}
		val = v
		err = json.Unmarshal(data, val)
		return true
	}
	if check("Error", &ErrorMessage{}) {
		return
	}
	if check("SerialPorts", &SerialPortList{}) {
		return
	}
	if check("Cmd", &CmdStatus{}) {
		return
	}
	if check("D", &DataFrame{}) {
		return
	}

	return nil, errors.New("unknown message: " + string(data))
}

// Client is one websocket connection to a server.
type Client struct {
	ws  *websocket.Conn
	wMx sync.Mutex

	lists chan []SerialPort

	mx    sync.Mutex
	ports map[string]*Port
	err   error

	done chan struct{}
}

// Dial connects to the server at url, like ws://host:8989/ws.
func Dial(url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("spjs: dial %s: %w", url, err)
	}
	c := &Client{
		ws:    ws,
		lists: make(chan []SerialPort, 1),
		ports: make(map[string]*Port),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mx.Lock()
		c.err = err
		ports := c.ports
		c.ports = make(map[string]*Port)
		c.mx.Unlock()
		for _, p := range ports {
			p.fail(err)
		}
		close(c.done)
	}()

	for {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !bytes.HasPrefix(data, []byte("{")) {
			// echo of our own commands
			continue
		}
		val, perr := parseMessage(data)
		if perr != nil {
			Logf("ERROR: spjs: parse: %v", perr)
			continue
		}
		switch msg := val.(type) {
		case *DataFrame:
			c.mx.Lock()
			p := c.ports[msg.Port]
			c.mx.Unlock()
			if p != nil {
				p.deliver(msg.Data)
			}
		case *SerialPortList:
			select {
			case <-c.lists:
			default:
			}
			c.lists <- msg.SerialPorts
		case *ErrorMessage:
			Logf("ERROR: spjs: %s", msg.Error)
		case *CmdStatus:
			if msg.Cmd == "WipedQueue" {
				Logf("ERROR: spjs: send queue wiped")
			}
		}
	}
}

// Err returns the error that ended the connection, if it has ended.
func (c *Client) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

func (c *Client) WriteString(cmd string) error {
	c.wMx.Lock()
	defer c.wMx.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(cmd))
}

func (c *Client) SendJSON(v JSON) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteString("sendjson " + string(data))
}

// List asks the server for its serial ports.
func (c *Client) List(timeout time.Duration) ([]SerialPort, error) {
	select {
	case <-c.lists:
	default:
	}
	if err := c.WriteString("list"); err != nil {
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l := <-c.lists:
		return l, nil
	case <-c.done:
		return nil, fmt.Errorf("spjs: connection lost: %w", c.Err())
	case <-t.C:
		return nil, fmt.Errorf("spjs: no port list after %s", timeout)
	}
}

// Open opens the named port on the server and returns a stream over it.
// The server's plain buffer algorithm is used, so flow control is left to
// the caller.
func (c *Client) Open(name string, baud int, timeout time.Duration) (*Port, error) {
	p := &Port{
		c:    c,
		name: name,
		in:   make(chan string, 256),
		done: make(chan struct{}),
	}
	c.mx.Lock()
	c.ports[name] = p
	c.mx.Unlock()

	deadline := time.Now().Add(timeout)
	requested := false
	for {
		list, err := c.List(time.Until(deadline))
		if err != nil {
			c.drop(p)
			return nil, err
		}
		var found *SerialPort
		for i := range list {
			if list[i].Name == name {
				found = &list[i]
				break
			}
		}
		switch {
		case found == nil:
			c.drop(p)
			return nil, fmt.Errorf("spjs: no port %q", name)
		case found.IsOpen:
			return p, nil
		case !requested:
			if err := c.WriteString(fmt.Sprintf("open %s %d default", name, baud)); err != nil {
				c.drop(p)
				return nil, err
			}
			requested = true
		case time.Now().After(deadline):
			c.drop(p)
			return nil, fmt.Errorf("spjs: %s not open after %s", name, timeout)
		default:
			time.Sleep(openPoll)
		}
	}
}

func (c *Client) drop(p *Port) {
	c.mx.Lock()
	if c.ports[p.name] == p {
		delete(c.ports, p.name)
	}
	c.mx.Unlock()
}

// Close ends the connection; open ports fail their reads.
func (c *Client) Close() error {
	c.wMx.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wMx.Unlock()
	return c.ws.Close()
}

// Port is a serial port on the server. Writes are sent as one sendjson
// command with a data entry per line; reads return port data as received.
type Port struct {
	c    *Client
	name string
	own  bool

	in   chan string
	rbuf bytes.Buffer

	mx        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

var _ io.ReadWriteCloser = &Port{}

func (p *Port) deliver(s string) {
	select {
	case p.in <- s:
	case <-p.done:
	}
}

func (p *Port) fail(err error) {
	p.mx.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mx.Unlock()
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Port) readErr() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.err != nil {
		return p.err
	}
	return io.EOF
}

func (p *Port) Read(b []byte) (int, error) {
	for p.rbuf.Len() == 0 {
		select {
		case s := <-p.in:
			p.rbuf.WriteString(s)
		case <-p.done:
			select {
			case s := <-p.in:
				p.rbuf.WriteString(s)
				continue
			default:
			}
			return 0, p.readErr()
		}
	}
	return p.rbuf.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}

	j := JSON{Port: p.name}
	for _, line := range strings.SplitAfter(string(b), "\n") {
		if line == "" {
			continue
		}
		j.Data = append(j.Data, Data{Data: line, ID: nextID()})
	}
	if len(j.Data) == 0 {
		return 0, nil
	}
	if err := p.c.SendJSON(j); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the port on the server. A Port from Opener also closes its
// connection.
func (p *Port) Close() error {
	p.fail(nil)
	p.c.drop(p)

	var err error
	select {
	case <-p.c.done:
	default:
		err = p.c.WriteString("close " + p.name)
	}
	if p.own {
		if cerr := p.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Opener dials url and opens port for every call.
func Opener(url, port string, baud int) transport.Opener {
	return func() (io.ReadWriteCloser, error) {
		c, err := Dial(url)
		if err != nil {
			return nil, err
		}
		p, err := c.Open(port, baud, OpenTimeout)
		if err != nil {
			c.Close()
			return nil, err
		}
		p.own = true
		Logf("spjs: %s open on %s", port, url)
		return p, nil
	}
}

// ListPorts returns the port names the server at url offers, with
// transport.FilterPorts applied.
func ListPorts(url string) ([]string, error) {
	c, err := Dial(url)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	list, err := c.List(ListTimeout)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list))
	for _, sp := range list {
		names = append(names, sp.Name)
	}
	return transport.FilterPorts(names), nil
}
