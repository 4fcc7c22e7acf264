// Package pairing shows pairing codes to the operator: as a terminal QR
// code and, optionally, as a PNG file that is removed once the session is
// paired.
package pairing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/danmuck/wabridge/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const defaultPNGSize = 256

var ErrEmptyCode = errors.New("pairing: empty code")

type Config struct {
	// Terminal receives the QR code as text blocks. Nil disables it.
	Terminal io.Writer
	// PNGPath, when set, receives the latest QR code as an image.
	PNGPath string
	PNGSize int
}

// Renderer turns session events into operator-visible pairing output.
type Renderer struct {
	cfg Config

	mu   sync.Mutex
	last string
}

func NewRenderer(cfg Config) *Renderer {
	if cfg.PNGSize <= 0 {
		cfg.PNGSize = defaultPNGSize
	}
	return &Renderer{cfg: cfg}
}

// Attach subscribes the renderer to m and returns the unsubscribe func.
func (r *Renderer) Attach(m *session.Manager) func() {
	return m.Subscribe("", r.Handle)
}

// Handle reacts to qr, pair and ready events; everything else is ignored.
func (r *Renderer) Handle(ev session.Event) {
	switch ev.Kind {
	case session.EventQR:
		if err := r.Render(ev.QR); err != nil {
			log.Warn().Err(err).Msg("pairing_render_failed")
		}
	case session.EventPair:
		if ev.Pair != nil {
			log.Info().Str("phone", ev.Pair.Phone).Str("name", ev.Pair.Name).Msg("pairing_complete")
		}
		r.clear()
	case session.EventReady:
		r.clear()
	}
}

// Render draws code on the terminal and writes the PNG when configured.
// A code identical to the last one rendered is skipped.
func (r *Renderer) Render(code string) error {
	if code == "" {
		return ErrEmptyCode
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if code == r.last {
		return nil
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("pairing: encode: %w", err)
	}
	if r.cfg.Terminal != nil {
		if _, err := fmt.Fprintln(r.cfg.Terminal, qr.ToSmallString(false)); err != nil {
			return fmt.Errorf("pairing: write terminal: %w", err)
		}
	}
	if r.cfg.PNGPath != "" {
		if err := os.MkdirAll(filepath.Dir(r.cfg.PNGPath), 0o700); err != nil {
			return fmt.Errorf("pairing: create png dir: %w", err)
		}
		if err := qr.WriteFile(r.cfg.PNGSize, r.cfg.PNGPath); err != nil {
			return fmt.Errorf("pairing: write png: %w", err)
		}
		log.Info().Str("path", r.cfg.PNGPath).Msg("pairing_png_written")
	}
	r.last = code
	return nil
}

func (r *Renderer) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = ""
	if r.cfg.PNGPath == "" {
		return
	}
	if err := os.Remove(r.cfg.PNGPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", r.cfg.PNGPath).Msg("pairing_png_remove_failed")
	}
}
