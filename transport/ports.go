package transport

import (
	"path"
	"sort"
	"strings"

	"go.bug.st/serial"
)

// noisyPorts are virtual ports every host exposes that never lead to an
// engraver.
var noisyPorts = []string{
	"Bluetooth-Incoming-Port",
	"debug-console",
	"wlan-debug",
	"BLTH",
}

// ListPorts returns the serial ports present on this host with
// FilterPorts applied.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return FilterPorts(ports), nil
}

// FilterPorts drops known-noisy virtual ports and legacy on-board UARTs,
// and returns the rest sorted.
func FilterPorts(ports []string) []string {
	res := make([]string, 0, len(ports))
	for _, p := range ports {
		if isNoisy(p) {
			continue
		}
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

func isNoisy(p string) bool {
	base := path.Base(p)
	for _, n := range noisyPorts {
		if strings.Contains(base, n) {
			return true
		}
	}
	// /dev/ttyS0..31 exist on most linux hosts whether wired or not
	return strings.HasPrefix(p, "/dev/ttyS")
}
