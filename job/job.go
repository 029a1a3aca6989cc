// Package job feeds a grayscale raster to an engraver line by line.
package job

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/frame"
)

// Logf is used for job progress. Replace it to capture or mute output.
var Logf = log.Printf

var (
	// ErrCanceled is the result of a job stopped by Cancel.
	ErrCanceled = errors.New("job canceled")

	// ErrNotFound is returned for an unknown job ID.
	ErrNotFound = errors.New("job not found")

	// ErrRunning is returned by Runner.Start while another job runs.
	ErrRunning = fmt.Errorf("%w: a job is already running", engraver.ErrSessionActive)
)

// Status is the lifecycle of a Job.
type Status string

const (
	Running  Status = "running"
	Done     Status = "done"
	Failed   Status = "failed"
	Canceled Status = "canceled"
)

// Request describes one engraving.
type Request struct {
	Raster *image.Gray
	Origin coord.Point
	Speed  int
	Power  int
}

// Box returns the bed area the raster covers when placed at Origin.
func (r Request) Box() coord.Rect {
	b := r.Raster.Bounds()
	return coord.R(r.Origin.X, r.Origin.Y, r.Origin.X+b.Dx(), r.Origin.Y+b.Dy())
}

// Progress is a snapshot of a Job.
type Progress struct {
	ID     string     `json:"id"`
	Status Status     `json:"status"`
	Box    coord.Rect `json:"box"`
	Line   int        `json:"line"`
	Lines  int        `json:"lines"`
	Error  string     `json:"error,omitempty"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
}

// Job is one engraving run.
type Job struct {
	id     string
	req    Request
	cancel context.CancelFunc
	done   chan struct{}

	mx   sync.Mutex
	prog Progress
	err  error
}

func (j *Job) ID() string { return j.id }

// Progress returns the current state of the job.
func (j *Job) Progress() Progress {
	j.mx.Lock()
	defer j.mx.Unlock()
	p := j.prog
	if p.End != nil {
		end := *p.End
		p.End = &end
	}
	return p
}

// Cancel stops the job after the line in flight.
func (j *Job) Cancel() { j.cancel() }

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its result.
func (j *Job) Wait() error {
	<-j.done
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.err
}

// Runner runs one job at a time and remembers finished jobs.
type Runner struct {
	bed engraver.Bed

	// OnProgress, if set, is called after every line and once at the end.
	OnProgress func(Progress)

	mx      sync.Mutex
	jobs    map[string]*Job
	current *Job
}

// NewRunner returns a Runner for rasters placed on bed.
func NewRunner(bed engraver.Bed) *Runner {
	return &Runner{bed: bed, jobs: make(map[string]*Job)}
}

// Check validates a request without running it.
func (r *Runner) Check(req Request) error {
	if req.Raster == nil {
		return fmt.Errorf("%w: no raster", frame.ErrRange)
	}
	box := req.Box()
	if err := engraver.CheckJob(box, req.Speed, req.Power); err != nil {
		return err
	}
	if !box.In(r.bed.Rect()) {
		return fmt.Errorf("%w: raster %dx%d at (%d,%d) does not fit the bed", frame.ErrRange, box.Dx(), box.Dy(), box.Min.X, box.Min.Y)
	}
	if box.Dy() > engraver.MaxLines {
		return fmt.Errorf("%w: %d lines", frame.ErrRange, box.Dy())
	}
	return nil
}

// Start validates req and runs it on dev in the background.
func (r *Runner) Start(ctx context.Context, dev engraver.Device, req Request) (*Job, error) {
	if err := r.Check(req); err != nil {
		return nil, err
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.current != nil {
		return nil, ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:     uuid.New().String(),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		prog: Progress{
			Status: Running,
			Box:    req.Box(),
			Lines:  req.Raster.Bounds().Dy(),
			Start:  time.Now(),
		},
	}
	j.prog.ID = j.id
	r.jobs[j.id] = j
	r.current = j

	go r.run(runCtx, dev, j)
	Logf("job %s: started %dx%d at (%d,%d) on %s", j.id, j.prog.Box.Dx(), j.prog.Box.Dy(), req.Origin.X, req.Origin.Y, dev.Name())
	return j, nil
}

// Get returns the job with the given ID.
func (r *Runner) Get(id string) (*Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// Current returns the running job, or nil.
func (r *Runner) Current() *Job {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.current
}

func (r *Runner) notify(j *Job) {
	if r.OnProgress != nil {
		r.OnProgress(j.Progress())
	}
}

func (r *Runner) run(ctx context.Context, dev engraver.Device, j *Job) {
	err := Engrave(ctx, dev, j.req, func(line int) {
		j.mx.Lock()
		j.prog.Line = line + 1
		j.mx.Unlock()
		r.notify(j)
	})

	end := time.Now()
	j.mx.Lock()
	j.err = err
	j.prog.End = &end
	switch {
	case err == nil:
		j.prog.Status = Done
	case errors.Is(err, ErrCanceled):
		j.prog.Status = Canceled
	default:
		j.prog.Status = Failed
	}
	if err != nil {
		j.prog.Error = err.Error()
	}
	j.mx.Unlock()

	r.mx.Lock()
	r.current = nil
	r.mx.Unlock()
	j.cancel()

	if err != nil {
		Logf("ERROR: job %s: %v", j.id, err)
	} else {
		Logf("job %s: done in %s", j.id, end.Sub(j.prog.Start).Round(time.Millisecond))
	}
	r.notify(j)
	close(j.done)
}

// Engrave runs req on dev: start, every row of the raster, stop. Blank
// rows are sent too so line numbers stay aligned with the raster. Stop
// runs whenever start succeeded, also after a failure or cancellation.
// done, if set, is called after each line.
func Engrave(ctx context.Context, dev engraver.Device, req Request, done func(line int)) (err error) {
	box := req.Box()
	if err := dev.StartEngraving(box, req.Speed, req.Power); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		if stopErr := dev.StopEngraving(); stopErr != nil && err == nil {
			err = fmt.Errorf("stop: %w", stopErr)
		}
	}()

	img := req.Raster
	b := img.Bounds()
	var inked int
	for y := 0; y < b.Dy(); y++ {
		select {
		case <-ctx.Done():
			return ErrCanceled
		default:
		}

		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[off : off+b.Dx()]
		if frame.LastDark(frame.PackLine(row), len(row)) >= 0 {
			inked++
		}
		if err := dev.EngraveLine(row, y); err != nil {
			return err
		}
		if done != nil {
			done(y)
		}
	}
	Logf("engraved %d lines, %d with ink", b.Dy(), inked)
	return nil
}
