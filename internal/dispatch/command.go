package dispatch

import (
	"fmt"
	"strings"

	"github.com/avendel/stagehand/internal/fault"
)

// Kind tags the validated command categories. Raw is the bounded
// passthrough escape hatch for engine commands Stagehand does not model.
type Kind string

const (
	KindLoad       Kind = "load"
	KindStyle      Kind = "style"
	KindCamera     Kind = "camera"
	KindBackground Kind = "background"
	KindCapture    Kind = "capture"
	KindRaw        Kind = "raw"
)

// maxRawLen bounds raw passthrough commands.
const maxRawLen = 4096

// captureFormats are the artifact formats the engine can produce.
var captureFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
	"mp4":  true,
}

// Command is one validated engine command. Only the fields for its Kind
// are set.
type Command struct {
	Kind Kind `json:"kind"`

	// load
	Path string `json:"path,omitempty"`

	// style
	Preset string `json:"preset,omitempty"`

	// camera
	Position string  `json:"position,omitempty"`
	Target   string  `json:"target,omitempty"`
	Zoom     float64 `json:"zoom,omitempty"`

	// background
	Color string `json:"color,omitempty"`

	// capture
	Output string `json:"output,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Format string `json:"format,omitempty"`

	// raw
	Text string `json:"text,omitempty"`
}

// Raw wraps free-form command text in the passthrough category.
func Raw(text string) Command {
	return Command{Kind: KindRaw, Text: text}
}

// Validate checks the command at the boundary, before it can reach an
// engine process.
func (c Command) Validate() error {
	switch c.Kind {
	case KindLoad:
		if c.Path == "" {
			return fault.New(fault.CodeInvalidCommand, "load: path is required")
		}
	case KindStyle:
		if c.Preset == "" {
			return fault.New(fault.CodeInvalidCommand, "style: preset is required")
		}
	case KindCamera:
		if c.Position == "" && c.Target == "" && c.Zoom == 0 {
			return fault.New(fault.CodeInvalidCommand, "camera: at least one of position, target, zoom is required")
		}
	case KindBackground:
		if c.Color == "" {
			return fault.New(fault.CodeInvalidCommand, "background: color is required")
		}
	case KindCapture:
		if c.Output == "" {
			return fault.New(fault.CodeInvalidCommand, "capture: output is required")
		}
		if c.Width <= 0 || c.Height <= 0 {
			return fault.New(fault.CodeInvalidCommand, "capture: width and height must be positive")
		}
		if !captureFormats[c.Format] {
			return fault.New(fault.CodeInvalidCommand, "capture: unsupported format %q", c.Format)
		}
	case KindRaw:
		if c.Text == "" {
			return fault.New(fault.CodeInvalidCommand, "raw: text is required")
		}
		if len(c.Text) > maxRawLen {
			return fault.New(fault.CodeInvalidCommand, "raw: command exceeds %d bytes", maxRawLen)
		}
	default:
		return fault.New(fault.CodeInvalidCommand, "unknown command kind %q", c.Kind)
	}

	// The wire protocol is line-delimited; embedded newlines would smuggle
	// extra commands.
	if strings.ContainsAny(c.wireUnchecked(), "\r\n") {
		return fault.New(fault.CodeInvalidCommand, "command contains newline")
	}
	return nil
}

// Wire renders the validated command as engine wire text.
func (c Command) Wire() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c.wireUnchecked(), nil
}

func (c Command) wireUnchecked() string {
	switch c.Kind {
	case KindLoad:
		return fmt.Sprintf("load path=%s", c.Path)
	case KindStyle:
		return fmt.Sprintf("style preset=%s", c.Preset)
	case KindCamera:
		parts := []string{"camera"}
		if c.Position != "" {
			parts = append(parts, "position="+c.Position)
		}
		if c.Target != "" {
			parts = append(parts, "target="+c.Target)
		}
		if c.Zoom != 0 {
			parts = append(parts, fmt.Sprintf("zoom=%g", c.Zoom))
		}
		return strings.Join(parts, " ")
	case KindBackground:
		return fmt.Sprintf("background color=%s", c.Color)
	case KindCapture:
		return fmt.Sprintf("capture output=%s width=%d height=%d format=%s",
			c.Output, c.Width, c.Height, c.Format)
	case KindRaw:
		return c.Text
	}
	return ""
}
