package grbl

import (
	"errors"
	"strconv"
	"strings"
)

// position is a controller position in millimeters. Z is ignored.
type position struct {
	X, Y float64
}

// report is a parsed `<...>` status report.
type report struct {
	Status string
	MPos   position
	WPos   position
	WCO    position

	hasMPos, hasWPos, hasWCO bool
}

func parseCoords(data string) (p position, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return p, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	return p, nil
}

// parseStatus parses a report like `<Idle|MPos:1.000,2.000,0.000|FS:0,0>`.
// Fields the engraver does not use are skipped.
func parseStatus(data string) (*report, error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return nil, errors.New("not a status report: " + data)
	}
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")

	var rep report
	// substates look like Hold:0
	rep.Status = strings.SplitN(parts[0], ":", 2)[0]
	var err error
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			rep.MPos, err = parseCoords(sParts[1])
			rep.hasMPos = true
		case "WPos":
			rep.WPos, err = parseCoords(sParts[1])
			rep.hasWPos = true
		case "WCO":
			rep.WCO, err = parseCoords(sParts[1])
			rep.hasWCO = true
		}
		if err != nil {
			return nil, err
		}
	}
	return &rep, nil
}

// work returns the work position given the last known offset.
func (r *report) work(wco position) (position, bool) {
	switch {
	case r.hasWPos:
		return r.WPos, true
	case r.hasMPos:
		return position{X: r.MPos.X - wco.X, Y: r.MPos.Y - wco.Y}, true
	}
	return position{}, false
}
