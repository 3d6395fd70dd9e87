package logging

import (
	"io"
	"sort"
	"strings"
	"sync"
)

// MaskText is what secret values are replaced with.
const MaskText = "***"

// Masker hides secret values in text written to logs.
type Masker struct {
	replacer *strings.Replacer
}

// NewMasker builds a masker for the given secret values. Empty values are
// ignored and longer secrets are replaced first.
func NewMasker(secrets []string) *Masker {
	values := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if strings.TrimSpace(s) != "" {
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		return &Masker{}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	pairs := make([]string, 0, len(values)*2)
	for _, v := range values {
		pairs = append(pairs, v, MaskText)
	}
	return &Masker{replacer: strings.NewReplacer(pairs...)}
}

// Mask returns s with every secret replaced.
func (m *Masker) Mask(s string) string {
	if m == nil || m.replacer == nil {
		return s
	}
	return m.replacer.Replace(s)
}

// Writer wraps w so every complete line is masked before it is written.
// Call Flush on the returned writer to emit a trailing partial line.
func (m *Masker) Writer(w io.Writer) *MaskedWriter {
	return &MaskedWriter{masker: m, out: w}
}

// MaskedWriter buffers partial lines so a secret split across two writes is
// still caught.
type MaskedWriter struct {
	mu     sync.Mutex
	masker *Masker
	out    io.Writer
	buf    []byte
}

func (w *MaskedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	idx := strings.LastIndexByte(string(w.buf), '\n')
	if idx < 0 {
		return len(p), nil
	}
	complete := string(w.buf[:idx+1])
	w.buf = append(w.buf[:0], w.buf[idx+1:]...)
	if _, err := io.WriteString(w.out, w.masker.Mask(complete)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes any buffered partial line.
func (w *MaskedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return nil
	}
	_, err := io.WriteString(w.out, w.masker.Mask(string(w.buf)))
	w.buf = w.buf[:0]
	return err
}
