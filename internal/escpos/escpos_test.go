package escpos

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	chunks [][]byte
	failAt int
}

func (w *recordingWriter) WriteChunk(_ context.Context, chunk []byte) error {
	if w.failAt > 0 && len(w.chunks)+1 == w.failAt {
		return errors.New("characteristic write failed")
	}
	w.chunks = append(w.chunks, append([]byte(nil), chunk...))
	return nil
}

func (w *recordingWriter) joined() []byte {
	return bytes.Join(w.chunks, nil)
}

func TestEncodeCenteredBoldCut(t *testing.T) {
	out := Encode(Job{Text: "A", Align: AlignCenter, Bold: true, CutPaper: true})

	assert.True(t, bytes.HasPrefix(out, CmdInit))
	assert.True(t, bytes.HasSuffix(out, CmdCut))

	text := bytes.Index(out, []byte("A"))
	require.Positive(t, text)

	center := bytes.Index(out, CmdAlignCenter)
	boldOn := bytes.Index(out, CmdBoldOn)
	boldOff := bytes.LastIndex(out, CmdBoldOff)
	require.NotEqual(t, -1, center)
	require.NotEqual(t, -1, boldOn)
	assert.Less(t, center, text)
	assert.Less(t, boldOn, text)
	assert.Greater(t, boldOff, text)

	for _, chunk := range Chunk(Commands(Job{Text: "A", Align: AlignCenter, Bold: true, CutPaper: true}), DefaultMTU) {
		assert.LessOrEqual(t, len(chunk), DefaultMTU)
	}
}

func TestEncodeExactSequence(t *testing.T) {
	out := Encode(Job{Text: "Olá", FontSize: FontLarge, Align: AlignRight, Underline: true})

	var want []byte
	for _, cmd := range [][]byte{
		CmdInit, CmdAlignRight, CmdFontLarge, CmdUnderlineOn,
		[]byte("Olá"), LineFeed,
		CmdBoldOff, CmdUnderlineOff, CmdFontNormal, CmdAlignLeft,
	} {
		want = append(want, cmd...)
	}
	assert.Equal(t, want, out)
}

func TestEncodeDefaultsAndReset(t *testing.T) {
	out := Encode(Job{Text: "x"})

	assert.Equal(t, []byte{0x1B, 0x40, 0x1B, 0x61, 0x00, 0x1D, 0x21, 0x00, 'x', 0x0A}, out[:10])
	assert.True(t, bytes.HasSuffix(out, append(append(append(append([]byte{}, CmdBoldOff...), CmdUnderlineOff...), CmdFontNormal...), CmdAlignLeft...)))
	assert.False(t, bytes.Contains(out, CmdCut))
}

func TestEncodeSmallFont(t *testing.T) {
	out := Encode(Job{Text: "x", FontSize: FontSmall})
	assert.True(t, bytes.Contains(out, CmdFontSmall))
}

func TestChunkLongText(t *testing.T) {
	text := strings.Repeat("Pão de queijo ", 10)
	chunks := Chunk(Commands(Job{Text: text}), DefaultMTU)

	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), DefaultMTU)
		assert.NotEmpty(t, c)
	}
	assert.Equal(t, Encode(Job{Text: text}), bytes.Join(chunks, nil))
}

func TestPrintWritesInOrder(t *testing.T) {
	w := &recordingWriter{}
	jobs := []Job{{Text: "one"}, {Text: "two", CutPaper: true}}

	require.NoError(t, Print(context.Background(), w, Options{MTU: 8}, jobs...))

	assert.Equal(t, append(Encode(jobs[0]), Encode(jobs[1])...), w.joined())
	for _, c := range w.chunks {
		assert.LessOrEqual(t, len(c), 8)
	}
}

func TestPrintAbortsOnFailedWrite(t *testing.T) {
	w := &recordingWriter{failAt: 3}

	err := Print(context.Background(), w, Options{}, Job{Text: "one"}, Job{Text: "two"})

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 0, we.Job)
	assert.Equal(t, 2, we.Chunk)
	assert.Len(t, w.chunks, 2)
}

func TestPrintHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &recordingWriter{}
	err := Print(ctx, w, DefaultOptions(), Job{Text: "one"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, len(w.chunks), 1)
}

type fakeSender struct {
	id   string
	sent []byte
}

func (s *fakeSender) Send(id string, data []byte) error {
	s.id = id
	s.sent = append(s.sent, data...)
	return nil
}

func TestRegistryWriter(t *testing.T) {
	s := &fakeSender{}
	w := RegistryWriter{Sender: s, DeviceID: "COM3"}

	require.NoError(t, Print(context.Background(), w, Options{}, Job{Text: "hi"}))
	assert.Equal(t, "COM3", s.id)
	assert.Equal(t, Encode(Job{Text: "hi"}), s.sent)
}

func TestTCPWriter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(conn)
		received <- buf.Bytes()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	w, err := DialTCP(context.Background(), "127.0.0.1", addr.Port, 0)
	require.NoError(t, err)

	job := Job{Text: "Comanda 7", CutPaper: true}
	require.NoError(t, Print(context.Background(), w, Options{MTU: 512}, job))
	require.NoError(t, w.Close())

	assert.Equal(t, Encode(job), <-received)
}

func TestDialTCPRequiresHost(t *testing.T) {
	_, err := DialTCP(context.Background(), " ", 0, 0)
	assert.Error(t, err)
}
