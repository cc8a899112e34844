package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/chatpilot/chatpilot/internal/platform"
)

// ErrNoText is returned when recognition produced nothing.
var ErrNoText = errors.New("device: no text recognized")

// Screen is the sensor used by the detector and the watcher.
type Screen interface {
	CaptureHash(ctx context.Context, r Region) (uint64, error)
	CaptureText(ctx context.Context, r Region) (string, error)
}

// Capturer grabs a screen region as an image.
type Capturer interface {
	Capture(ctx context.Context, r Region) (image.Image, error)
}

// OCR recognizes text in an image.
type OCR interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// ImageScreen implements Screen on top of a Capturer and an OCR.
type ImageScreen struct {
	capturer Capturer
	ocr      OCR
}

func NewImageScreen(c Capturer, o OCR) *ImageScreen {
	return &ImageScreen{capturer: c, ocr: o}
}

func (s *ImageScreen) CaptureHash(ctx context.Context, r Region) (uint64, error) {
	img, err := s.capturer.Capture(ctx, r)
	if err != nil {
		return 0, err
	}
	return Hash(img), nil
}

func (s *ImageScreen) CaptureText(ctx context.Context, r Region) (string, error) {
	if s.ocr == nil {
		return "", ErrNoText
	}
	img, err := s.capturer.Capture(ctx, r)
	if err != nil {
		return "", err
	}
	text, err := s.ocr.Recognize(ctx, img)
	if err != nil {
		return "", err
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

// DefaultCaptureCommand returns a capture command template writing PNG to
// stdout for the current desktop, nil if none is known.
func DefaultCaptureCommand() []string {
	switch platform.DetectDisplay() {
	case platform.DisplayQuartz:
		return []string{"screencapture", "-x", "-t", "png", "-R{x},{y},{w},{h}", "/dev/stdout"}
	case platform.DisplayWayland:
		return []string{"grim", "-g", "{x},{y} {w}x{h}", "-"}
	case platform.DisplayX11:
		return []string{"import", "-window", "root", "-crop", "{w}x{h}+{x}+{y}", "png:-"}
	}
	return nil
}

// CommandCapturer runs a command template and decodes its PNG output.
type CommandCapturer struct {
	command []string
	run     Runner
}

// NewCommandCapturer builds a capturer. command holds {x} {y} {w} {h}
// placeholders; run may be nil for os/exec.
func NewCommandCapturer(command []string, run Runner) (*CommandCapturer, error) {
	if len(command) == 0 {
		return nil, errors.New("device: capture command not configured")
	}
	if run == nil {
		run = ExecRunner
	}
	return &CommandCapturer{command: command, run: run}, nil
}

func (c *CommandCapturer) Capture(ctx context.Context, r Region) (image.Image, error) {
	if r.Empty() {
		return nil, fmt.Errorf("capture %s: empty region", r)
	}
	args := expandRegion(c.command[1:], r)
	out, err := c.run(ctx, c.command[0], args, nil)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", r, err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("capture %s: decode png: %w", r, err)
	}
	return img, nil
}

// CommandOCR pipes a PNG of the (optionally preprocessed) image to a
// recognition command such as `tesseract stdin stdout -l kor+eng --psm 7`.
type CommandOCR struct {
	command    []string
	preprocess bool
	run        Runner
}

func NewCommandOCR(command []string, preprocess bool, run Runner) (*CommandOCR, error) {
	if len(command) == 0 {
		return nil, errors.New("device: ocr command not configured")
	}
	if run == nil {
		run = ExecRunner
	}
	return &CommandOCR{command: command, preprocess: preprocess, run: run}, nil
}

func (o *CommandOCR) Recognize(ctx context.Context, img image.Image) (string, error) {
	if o.preprocess {
		img = Binarize(Upscale(img, 2))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("ocr: encode png: %w", err)
	}
	out, err := o.run(ctx, o.command[0], o.command[1:], &buf)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}
