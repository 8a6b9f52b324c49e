// Package escpos encodes print jobs into the ESC/POS command subset understood
// by the supported thermal receipt printers and streams them in MTU-sized
// chunks.
package escpos

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	CmdInit         = []byte{0x1B, 0x40}
	CmdAlignLeft    = []byte{0x1B, 0x61, 0x00}
	CmdAlignCenter  = []byte{0x1B, 0x61, 0x01}
	CmdAlignRight   = []byte{0x1B, 0x61, 0x02}
	CmdBoldOn       = []byte{0x1B, 0x45, 0x01}
	CmdBoldOff      = []byte{0x1B, 0x45, 0x00}
	CmdUnderlineOn  = []byte{0x1B, 0x2D, 0x01}
	CmdUnderlineOff = []byte{0x1B, 0x2D, 0x00}
	CmdFontNormal   = []byte{0x1D, 0x21, 0x00}
	CmdFontLarge    = []byte{0x1D, 0x21, 0x11}
	CmdFontSmall    = []byte{0x1B, 0x4D, 0x01}
	CmdCut          = []byte{0x1D, 0x56, 0x00}
	LineFeed        = []byte{0x0A}
)

const (
	// DefaultMTU fits a single BLE GATT characteristic write
	DefaultMTU = 20

	// DefaultGap separates consecutive chunk writes
	DefaultGap = 10 * time.Millisecond
)

// Alignment of a printed line
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
)

// FontSize of a printed line
type FontSize string

const (
	FontNormal FontSize = "normal"
	FontLarge  FontSize = "large"
	FontSmall  FontSize = "small"
)

// Job is one formatted block of text
type Job struct {
	Text      string    `json:"text"`
	FontSize  FontSize  `json:"fontSize,omitempty"`
	Align     Alignment `json:"alignment,omitempty"`
	Bold      bool      `json:"bold,omitempty"`
	Underline bool      `json:"underline,omitempty"`
	CutPaper  bool      `json:"cutPaper,omitempty"`
}

// Commands returns the job as discrete commands in transmission order. All
// formatting is reset after the text, whatever the job toggled.
func Commands(job Job) [][]byte {
	cmds := [][]byte{
		CmdInit,
		alignCommand(job.Align),
		fontCommand(job.FontSize),
	}
	if job.Bold {
		cmds = append(cmds, CmdBoldOn)
	}
	if job.Underline {
		cmds = append(cmds, CmdUnderlineOn)
	}
	if job.Text != "" {
		cmds = append(cmds, []byte(job.Text))
	}
	cmds = append(cmds,
		LineFeed,
		CmdBoldOff,
		CmdUnderlineOff,
		CmdFontNormal,
		CmdAlignLeft,
	)
	if job.CutPaper {
		cmds = append(cmds, LineFeed, CmdCut)
	}

	return cmds
}

// Encode returns the job as one contiguous byte stream
func Encode(job Job) []byte {
	var out []byte
	for _, cmd := range Commands(job) {
		out = append(out, cmd...)
	}
	return out
}

// Chunk splits every command longer than mtu; shorter commands are kept
// as-is so no command straddles two writes unless it has to.
func Chunk(cmds [][]byte, mtu int) [][]byte {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	chunks := make([][]byte, 0, len(cmds))
	for _, cmd := range cmds {
		for len(cmd) > mtu {
			chunks = append(chunks, cmd[:mtu])
			cmd = cmd[mtu:]
		}
		if len(cmd) > 0 {
			chunks = append(chunks, cmd)
		}
	}

	return chunks
}

// ChunkWriter delivers one chunk to a printer
type ChunkWriter interface {
	WriteChunk(ctx context.Context, chunk []byte) error
}

// ChunkWriterFunc adapts a function to ChunkWriter
type ChunkWriterFunc func(ctx context.Context, chunk []byte) error

func (f ChunkWriterFunc) WriteChunk(ctx context.Context, chunk []byte) error {
	return f(ctx, chunk)
}

// Options tune how chunks are streamed
type Options struct {
	MTU int
	Gap time.Duration
}

func (o Options) withDefaults() Options {
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	if o.Gap < 0 {
		o.Gap = 0
	}
	return o
}

// DefaultOptions are the BLE-safe streaming settings
func DefaultOptions() Options {
	return Options{MTU: DefaultMTU, Gap: DefaultGap}
}

// WriteError reports the chunk a print stopped at. Chunks before it were
// already delivered and cannot be taken back.
type WriteError struct {
	Job   int
	Chunk int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("print aborted at job %d chunk %d: %v", e.Job, e.Chunk, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Print streams the jobs in order. The first failed write aborts the
// remaining output.
func Print(ctx context.Context, w ChunkWriter, opts Options, jobs ...Job) error {
	if w == nil {
		return errors.New("no printer writer")
	}
	opts = opts.withDefaults()

	first := true
	for j, job := range jobs {
		for c, chunk := range Chunk(Commands(job), opts.MTU) {
			if !first && opts.Gap > 0 {
				if err := sleep(ctx, opts.Gap); err != nil {
					return &WriteError{Job: j, Chunk: c, Err: err}
				}
			}
			first = false

			if err := w.WriteChunk(ctx, chunk); err != nil {
				return &WriteError{Job: j, Chunk: c, Err: err}
			}
		}
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func alignCommand(a Alignment) []byte {
	switch a {
	case AlignCenter:
		return CmdAlignCenter
	case AlignRight:
		return CmdAlignRight
	default:
		return CmdAlignLeft
	}
}

func fontCommand(f FontSize) []byte {
	switch f {
	case FontLarge:
		return CmdFontLarge
	case FontSmall:
		return CmdFontSmall
	default:
		return CmdFontNormal
	}
}
