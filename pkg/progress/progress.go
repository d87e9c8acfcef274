package progress

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	// This is only needed because pb.Pool require a real terminal.
	// It sets it into "raw-mode" but there is really no need for
	// this (see "func render()" below) so once this is fixed
	// upstream we should remove this.
	ESC         = "\x1b"
	ERASE_LINE  = ESC + "[2K"
	CURSOR_HIDE = ESC + "[?25l"
	CURSOR_SHOW = ESC + "[?25h"
)

// Used for testing, this must be a function (instead of the usual
// "var osStderr = os.Stderr") so that the writer is picked up at
// reporter construction time, not at package init
var osStderr = func() io.Writer {
	return os.Stderr
}

func cursorUp(i int) string {
	return fmt.Sprintf("%s[%dA", ESC, i)
}

// Reporter is the progress context threaded through a write or repo-build
// run. Steps are the coarse stages (validate, wipe, write, provision...),
// substeps the operations inside them. How the information is rendered is
// entirely up to the implementation, the callers never format output
// themselves.
type Reporter interface {
	// BeginStep advances to the next top-level step. substeps gives
	// the expected number of Substep calls within it, 0 when unknown.
	BeginStep(name string, substeps int)

	// Substep advances to the named operation within the current step.
	Substep(name string)

	// SetBytes reports byte-level progress of the current substep,
	// used by the raw image copies.
	SetBytes(done, total int64)

	// SetMessagef sets the freeform status line with the last
	// operation's detail, e.g. the partition node being waited for.
	SetMessagef(fmt string, args ...interface{})

	// Start will start rendering the progress information
	Start()

	// Stop will stop rendering the progress information, the
	// screen is not cleared, the last few lines will be visible
	Stop()
}

var isattyIsTerminal = isatty.IsTerminal

// New creates a new progress reporter based on the requested type,
// totalSteps is the number of BeginStep calls the run will make.
func New(typ string, totalSteps int) (Reporter, error) {
	switch typ {
	case "", "auto":
		// autoselect based on if we are on an interactive
		// terminal, use verbose progress for scripts
		if isattyIsTerminal(os.Stdin.Fd()) {
			return NewTerminalReporter(totalSteps)
		}
		return NewVerboseReporter(totalSteps)
	case "verbose":
		return NewVerboseReporter(totalSteps)
	case "term":
		return NewTerminalReporter(totalSteps)
	case "debug":
		return NewDebugReporter(totalSteps)
	default:
		return nil, fmt.Errorf("unknown progress type: %q", typ)
	}
}

type terminalReporter struct {
	stepPb    *pb.ProgressBar
	spinnerPb *pb.ProgressBar
	msgPb     *pb.ProgressBar
	bytesPb   *pb.ProgressBar

	substepCur   int
	substepTotal int

	shutdownCh chan bool

	mu  sync.Mutex
	out io.Writer
}

// NewTerminalReporter creates a new default pb3 based reporter suitable
// for most terminals.
func NewTerminalReporter(totalSteps int) (Reporter, error) {
	b := &terminalReporter{}
	b.out = newSyncedWriter(&b.mu, osStderr())
	b.stepPb = pb.New(totalSteps)
	b.stepPb.SetTemplate(`[{{ counters . }}] {{ string . "stepMsg" }}`)
	b.spinnerPb = pb.New(0)
	b.spinnerPb.SetTemplate(`[{{ (cycle . "|" "/" "-" "\\") }}] {{ string . "spinnerMsg" }}`)
	b.msgPb = pb.New(0)
	b.msgPb.SetTemplate(`Message: {{ string . "msg" }}`)
	return b, nil
}

func (b *terminalReporter) BeginStep(name string, substeps int) {
	if cur := b.stepPb.Current(); cur < b.stepPb.Total() {
		b.stepPb.SetCurrent(cur + 1)
	}
	b.stepPb.Set("stepMsg", shorten(name))
	b.spinnerPb.Set("spinnerMsg", "")
	b.substepCur = 0
	b.substepTotal = substeps
	b.bytesPb = nil
}

func (b *terminalReporter) Substep(name string) {
	b.substepCur++
	msg := shorten(name)
	if b.substepTotal > 0 {
		msg = fmt.Sprintf("%s (%d/%d)", msg, b.substepCur, b.substepTotal)
	}
	b.spinnerPb.Set("spinnerMsg", msg)
	b.bytesPb = nil
}

func (b *terminalReporter) SetBytes(done, total int64) {
	if b.bytesPb == nil {
		apb := pb.New64(total)
		apb.Set(pb.Bytes, true)
		apb.SetTemplateString(`[{{ counters . }}] {{ bar . }} {{ percent . }}`)
		// workaround bug when running tests in tmt
		if apb.Width() == 0 {
			// this is pb.defaultBarWidth
			apb.SetWidth(100)
		}
		b.bytesPb = apb
	}
	b.bytesPb.SetTotal(total)
	b.bytesPb.SetCurrent(done)
}

func shorten(msg string) string {
	msg = strings.Replace(msg, "\n", " ", -1)
	// XXX: make this smarter
	if len(msg) > 60 {
		return msg[:60] + "..."
	}
	return msg
}

func (b *terminalReporter) SetMessagef(msg string, args ...interface{}) {
	b.msgPb.Set("msg", shorten(fmt.Sprintf(msg, args...)))
}

func (b *terminalReporter) render() {
	var renderedLines int
	fmt.Fprintf(b.out, "%s%s\n", ERASE_LINE, b.stepPb.String())
	renderedLines++
	fmt.Fprintf(b.out, "%s%s\n", ERASE_LINE, b.spinnerPb.String())
	renderedLines++
	// take the pointer once, SetBytes swaps it from the run goroutine
	if bpb := b.bytesPb; bpb != nil {
		fmt.Fprintf(b.out, "%s%s\n", ERASE_LINE, bpb.String())
		renderedLines++
	}
	fmt.Fprintf(b.out, "%s%s\n", ERASE_LINE, b.msgPb.String())
	renderedLines++
	fmt.Fprint(b.out, cursorUp(renderedLines))
}

// Workaround for the pb.Pool requiring "raw-mode" - see here how to avoid
// it. Once fixes upstream we should remove this.
func (b *terminalReporter) renderLoop() {
	for {
		select {
		case <-b.shutdownCh:
			b.render()
			// finally move cursor down again
			fmt.Fprint(b.out, CURSOR_SHOW)
			fmt.Fprint(b.out, strings.Repeat("\n", 4))
			// close last to avoid race with b.out
			close(b.shutdownCh)
			return
		case <-time.After(200 * time.Millisecond):
			// break to redraw the screen
		}
		b.render()
	}
}

func (b *terminalReporter) Start() {
	// render() already running
	if b.shutdownCh != nil {
		return
	}
	fmt.Fprintf(b.out, "%s", CURSOR_HIDE)
	b.shutdownCh = make(chan bool)
	go b.renderLoop()
}

func (b *terminalReporter) Err() error {
	var errs []error
	for _, apb := range []*pb.ProgressBar{b.stepPb, b.spinnerPb, b.msgPb, b.bytesPb} {
		if apb == nil {
			continue
		}
		if err := apb.Err(); err != nil {
			errs = append(errs, fmt.Errorf("error on progressbar: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *terminalReporter) Stop() {
	if b.shutdownCh == nil {
		return
	}
	// request shutdown
	b.shutdownCh <- true
	// wait for ack
	select {
	case <-b.shutdownCh:
	// shutdown complete
	case <-time.After(1 * time.Second):
		// I cannot think of how this could happen, i.e. why
		// closing would not work but lets be conservative -
		// without a timeout we hang here forever
		logrus.Warnf("no progress channel shutdown after 1sec")
	}
	b.shutdownCh = nil
	// This should never happen but be paranoid, ensure we did
	// not accumulate errors while running
	if err := b.Err(); err != nil {
		fmt.Fprintf(b.out, "error from pb.ProgressBar: %v", err)
	}
}

type verboseReporter struct {
	w io.Writer

	step       int
	totalSteps int
}

// NewVerboseReporter starts a new "verbose" reporter that prints the
// step and substep names but does not render any progress.
func NewVerboseReporter(totalSteps int) (Reporter, error) {
	b := &verboseReporter{w: osStderr(), totalSteps: totalSteps}
	return b, nil
}

func (b *verboseReporter) BeginStep(name string, substeps int) {
	b.step++
	fmt.Fprintf(b.w, "[%v/%v] %s\n", b.step, b.totalSteps, name)
}

func (b *verboseReporter) Substep(name string) {
	fmt.Fprintf(b.w, "  %s\n", name)
}

func (b *verboseReporter) SetBytes(done, total int64) {
}

func (b *verboseReporter) SetMessagef(msg string, args ...interface{}) {
	fmt.Fprintf(b.w, msg, args...)
	fmt.Fprintf(b.w, "\n")
}

func (b *verboseReporter) Start() {
}

func (b *verboseReporter) Stop() {
}

type debugReporter struct {
	w io.Writer

	step int
}

// NewDebugReporter will create a reporter aimed at debugging. It never
// clears the screen so "glitches/weird" messages from the lower layers
// can be inspected easier.
func NewDebugReporter(totalSteps int) (Reporter, error) {
	b := &debugReporter{w: osStderr()}
	return b, nil
}

func (b *debugReporter) BeginStep(name string, substeps int) {
	b.step++
	fmt.Fprintf(b.w, "step %v: %s (substeps: %v)\n", b.step, name, substeps)
}

func (b *debugReporter) Substep(name string) {
	fmt.Fprintf(b.w, "substep: %s\n", name)
}

func (b *debugReporter) SetBytes(done, total int64) {
	fmt.Fprintf(b.w, "bytes: %v / %v\n", done, total)
}

func (b *debugReporter) SetMessagef(msg string, args ...interface{}) {
	fmt.Fprintf(b.w, "msg: ")
	fmt.Fprintf(b.w, msg, args...)
	fmt.Fprintf(b.w, "\n")
}

func (b *debugReporter) Start() {
	fmt.Fprintf(b.w, "Start progress\n")
}

func (b *debugReporter) Stop() {
	fmt.Fprintf(b.w, "Stop progress\n")
}

type syncedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func newSyncedWriter(mu *sync.Mutex, w io.Writer) io.Writer {
	return &syncedWriter{mu: mu, w: w}
}

func (sw *syncedWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	return sw.w.Write(p)
}
