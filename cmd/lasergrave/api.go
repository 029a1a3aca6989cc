package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/ioutil"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	_ "golang.org/x/image/bmp"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/engraver/variant"
	"github.com/mastercactapus/lasergrave/exchange"
	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/job"
	"github.com/mastercactapus/lasergrave/transport"
)

// maxUpload limits raster uploads.
const maxUpload = 32 << 20

// statePoll is how often the device status is checked for changes.
const statePoll = 250 * time.Millisecond

type api struct {
	http.Handler
	sel    *variant.Selector
	runner *job.Runner
	opener func(v engraver.Variant, port string) transport.Opener
	sse    *sse.Server

	listPorts func() ([]string, error)

	stop chan struct{}
	once sync.Once
}

func newAPI(sel *variant.Selector, runner *job.Runner, opener func(v engraver.Variant, port string) transport.Opener) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		sel:     sel,
		runner:  runner,
		opener:  opener,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
		listPorts: transport.ListPorts,
		stop:      make(chan struct{}),
	}

	r.HandleFunc("/api/ports", a.ports).Methods("GET")
	r.HandleFunc("/api/status", a.status).Methods("GET")
	r.HandleFunc("/api/connect", a.connect).Methods("POST")
	r.HandleFunc("/api/disconnect", a.simple(engraver.Device.Disconnect)).Methods("POST")
	r.HandleFunc("/api/home", a.simple(engraver.Device.Home)).Methods("POST")
	r.HandleFunc("/api/center", a.simple(engraver.Device.Center)).Methods("POST")
	r.HandleFunc("/api/fan", a.fan).Methods("POST")
	r.HandleFunc("/api/move", a.move).Methods("POST")
	r.HandleFunc("/api/engrave", a.engrave).Methods("POST")
	r.HandleFunc("/api/jobs/{id}", a.getJob).Methods("GET")
	r.HandleFunc("/api/jobs/{id}/cancel", a.cancelJob).Methods("POST")
	r.PathPrefix("/events/").Handler(a.sse)

	runner.OnProgress = func(p job.Progress) { a.publish("/events/job", p) }
	go a.watchState()

	return a
}

// Close stops the event streams.
func (a *api) Close() {
	a.once.Do(func() {
		close(a.stop)
		a.sse.Shutdown()
	})
}

func (a *api) publish(channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("ERROR: marshal json: %+v", err)
		return
	}
	a.sse.SendMessage(channel, sse.SimpleMessage(string(data)))
}

// watchState publishes the device status whenever it changes.
func (a *api) watchState() {
	t := time.NewTicker(statePoll)
	defer t.Stop()
	var last []byte
	for {
		select {
		case <-a.stop:
			return
		case <-t.C:
		}
		data, err := json.Marshal(a.statusBody())
		if err != nil {
			log.Printf("ERROR: marshal json: %+v", err)
			continue
		}
		if bytes.Equal(data, last) {
			continue
		}
		last = data
		a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
	}
}

type statusBody struct {
	engraver.Status
	Variant string          `json:"variant"`
	Stats   *exchange.Stats `json:"stats,omitempty"`
	Report  string          `json:"report,omitempty"`
	Job     *job.Progress   `json:"job,omitempty"`
}

func (a *api) statusBody() statusBody {
	dev := a.sel.Device()
	body := statusBody{Status: dev.Status(), Variant: a.sel.Variant().String()}
	if s, ok := dev.(interface{ Stats() exchange.Stats }); ok {
		st := s.Stats()
		body.Stats = &st
	}
	if r, ok := dev.(interface{ Report() string }); ok {
		body.Report = r.Report()
	}
	if j := a.runner.Current(); j != nil {
		p := j.Progress()
		body.Job = &p
	}
	return body
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("ERROR: encode:", err)
	}
}

// writeError maps device errors to HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, frame.ErrRange):
		code = http.StatusBadRequest
	case engraver.IsMisuse(err):
		code = http.StatusConflict
	case engraver.IsTimeout(err):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError || code == http.StatusGatewayTimeout {
		log.Printf("ERROR: %s: %+v", op, err)
	}
	http.Error(w, err.Error(), code)
}

func (a *api) ports(w http.ResponseWriter, req *http.Request) {
	ports, err := a.listPorts()
	if err != nil {
		writeError(w, "list ports", err)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, ports)
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, a.statusBody())
}

// connect selects the variant, if given, and connects it using the port
// parameter or the configured transport.
func (a *api) connect(w http.ResponseWriter, req *http.Request) {
	dev := a.sel.Device()
	if name := req.FormValue("variant"); name != "" {
		v, err := engraver.ParseVariant(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if dev, err = a.sel.Select(v); err != nil {
			writeError(w, "select variant", err)
			return
		}
	}

	if err := dev.Connect(a.opener(a.sel.Variant(), req.FormValue("port"))); err != nil {
		writeError(w, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, a.statusBody())
}

func (a *api) simple(op func(engraver.Device) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := op(a.sel.Device()); err != nil {
			writeError(w, req.URL.Path, err)
			return
		}
		writeJSON(w, http.StatusOK, a.statusBody())
	}
}

func (a *api) fan(w http.ResponseWriter, req *http.Request) {
	on := req.FormValue("on") == "1"
	if err := a.sel.Device().SetFan(on); err != nil {
		writeError(w, "fan", err)
		return
	}
	writeJSON(w, http.StatusOK, a.statusBody())
}

type moveRequest struct {
	DX       int  `json:"dx"`
	DY       int  `json:"dy"`
	X        int  `json:"x"`
	Y        int  `json:"y"`
	Absolute bool `json:"absolute"`
}

func (a *api) move(w http.ResponseWriter, req *http.Request) {
	var m moveRequest
	if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dev := a.sel.Device()
	var err error
	if m.Absolute {
		err = dev.MoveAbsolute(m.X, m.Y)
	} else {
		err = dev.MoveRelative(m.DX, m.DY)
	}
	if err != nil {
		writeError(w, "move", err)
		return
	}
	writeJSON(w, http.StatusOK, a.statusBody())
}

// toGray converts img to 8-bit grayscale with its origin at 0,0.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

func (a *api) engrave(w http.ResponseWriter, req *http.Request) {
	var err error
	parse := func(param string, def int) (val int) {
		if err != nil {
			return 0
		}
		s := req.FormValue(param)
		if s == "" {
			return def
		}
		val, err = strconv.Atoi(s)
		return val
	}
	origin := coord.Point{X: parse("x", 0), Y: parse("y", 0)}
	speed := parse("speed", frame.MaxSpeedPercent)
	power := parse("power", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, format, err := image.Decode(http.MaxBytesReader(w, req.Body, maxUpload))
	if err != nil {
		http.Error(w, "decode image: "+err.Error(), http.StatusBadRequest)
		return
	}

	// jobs outlive the request
	j, err := a.runner.Start(context.Background(), a.sel.Device(), job.Request{
		Raster: toGray(img),
		Origin: origin,
		Speed:  speed,
		Power:  power,
	})
	if err != nil {
		writeError(w, "engrave", err)
		return
	}
	log.Printf("engrave: %s image as job %s", format, j.ID())
	writeJSON(w, http.StatusAccepted, j.Progress())
}

func (a *api) getJob(w http.ResponseWriter, req *http.Request) {
	j, err := a.runner.Get(mux.Vars(req)["id"])
	if err != nil {
		writeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, j.Progress())
}

func (a *api) cancelJob(w http.ResponseWriter, req *http.Request) {
	j, err := a.runner.Get(mux.Vars(req)["id"])
	if err != nil {
		writeError(w, "cancel job", err)
		return
	}
	j.Cancel()
	<-j.Done()
	writeJSON(w, http.StatusOK, j.Progress())
}
