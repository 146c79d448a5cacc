package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mkurimoto/kaiwa/internal/turn"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

const livePrefix = "  > "

// console is the interactive front-end: Enter toggles the microphone, the
// render loop mirrors controller snapshots onto the terminal.
type console struct {
	ctrl *turn.Controller
	out  io.Writer
	in   io.Reader
	quit context.CancelFunc

	// liveLine is the transcript line currently shown in place, rewritten
	// with carriage returns while listening.
	liveLine string
}

func newConsole(ctrl *turn.Controller, in io.Reader, out io.Writer, quit context.CancelFunc) *console {
	return &console{ctrl: ctrl, in: in, out: out, quit: quit}
}

// run drives the console until ctx is cancelled. Input handling runs in its
// own goroutine because reading stdin cannot be interrupted; it exits with
// the process.
func (c *console) run(ctx context.Context) {
	go c.readInput(ctx)
	c.render(ctx)
}

func (c *console) readInput(ctx context.Context) {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(sc.Text()) {
		case "":
			c.ctrl.Toggle()
		case "q", "quit", "exit":
			c.quit()
			return
		default:
			fmt.Fprintln(c.out, "(Enter toggles the microphone, q quits)")
		}
	}
	// Stdin closed; treat it as a quit.
	c.quit()
}

func (c *console) render(ctx context.Context) {
	prev := c.ctrl.Snapshot()
	for {
		select {
		case <-ctx.Done():
			c.clearLive()
			return
		case <-c.ctrl.Updates():
			cur := c.ctrl.Snapshot()
			c.print(prev, cur)
			prev = cur
		}
	}
}

// print emits whatever changed between two snapshots: phase banners, newly
// appended messages, the transient error notice, and the in-place transcript
// line while listening.
func (c *console) print(prev, cur turn.Snapshot) {
	if cur.State.Phase != prev.State.Phase {
		c.clearLive()
		switch cur.State.Phase {
		case turn.PhaseListening:
			fmt.Fprintln(c.out, "(listening — press Enter when done)")
		case turn.PhaseSubmitting:
			fmt.Fprintln(c.out, "(waiting for reply…)")
		}
	}

	for _, m := range cur.Messages[len(prev.Messages):] {
		c.clearLive()
		switch m.Sender {
		case types.SenderUser:
			fmt.Fprintf(c.out, "you> %s\n", m.Text)
		default:
			fmt.Fprintf(c.out, "partner> %s\n", m.Text)
		}
	}

	if n := cur.State.Notice; n != nil && (prev.State.Notice == nil || *prev.State.Notice != *n) {
		c.clearLive()
		fmt.Fprintf(c.out, "!! %s\n", n.Message)
	}

	if cur.State.Phase == turn.PhaseListening {
		line := cur.Finalized
		if cur.Interim != "" {
			if line != "" {
				line += " "
			}
			line += cur.Interim
		}
		c.updateLive(line)
	}
}

func (c *console) updateLive(line string) {
	if line == c.liveLine {
		return
	}
	fmt.Fprintf(c.out, "\r\x1b[2K%s%s", livePrefix, line)
	c.liveLine = line
}

func (c *console) clearLive() {
	if c.liveLine == "" {
		return
	}
	fmt.Fprint(c.out, "\r\x1b[2K")
	c.liveLine = ""
}
