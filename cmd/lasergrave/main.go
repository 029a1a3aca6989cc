package main

import (
	"flag"
	"io"
	"log"
	"net/http"

	"github.com/mastercactapus/lasergrave/config"
	"github.com/mastercactapus/lasergrave/engraver/variant"
	"github.com/mastercactapus/lasergrave/job"
)

func main() {
	log.SetFlags(log.Lshortfile)

	cfgPath := flag.String("config", "", "Path to a YAML config file.")
	port := flag.String("port", "", "Serial port of the engraver (overrides the config file).")
	kind := flag.String("variant", "", "Device variant: hardware, grbl or simulator (overrides the config file).")
	ws := flag.String("ws", "", "Websocket URL of a serial bridge to use instead of a local port.")
	spjsURL := flag.String("spjs", "", "Websocket URL of the SPJS server to use for the grbl variant (port is then a name on that server).")
	addr := flag.String("addr", "", "Address to bind the lasergrave server to.")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *kind != "" {
		cfg.Device.Variant = *kind
	}
	if *ws != "" {
		cfg.Device.WebSocket = *ws
	}
	if *spjsURL != "" {
		cfg.Device.SPJS = *spjsURL
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}
	config.Normalize(cfg)

	v, err := cfg.Variant()
	if err != nil {
		log.Fatal(err)
	}

	var sink io.Writer
	if f, err := cfg.OpenSink(); err != nil {
		log.Fatalf("open grbl sink: %v", err)
	} else if f != nil {
		defer f.Close()
		sink = f
	}

	sel, err := variant.NewSelector(v, cfg.VariantConfig(sink))
	if err != nil {
		log.Fatal(err)
	}
	defer sel.Device().Disconnect()

	a := newAPI(sel, job.NewRunner(cfg.Options().Bed), cfg.Opener)
	a.listPorts = cfg.ListPorts
	defer a.Close()

	log.Printf("serving %s engraver on %s", v, cfg.HTTP.Addr)
	err = http.ListenAndServe(cfg.HTTP.Addr, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		log.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
		a.ServeHTTP(w, req)
	}))
	if err != nil {
		log.Fatal(err)
	}
}
