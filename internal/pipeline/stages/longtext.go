package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	defaultLongTextThreshold = 1000
	renderWidth              = 800
	renderPadding            = 20
	renderFontSize           = 18
)

// longText shortens replies above the threshold into a forward card or a
// rendered image. Streamed replies are left alone.
type longText struct {
	cfg    config.LongTextConfig
	face   font.Face
	logger *slog.Logger
}

func newLongText(cfg config.LongTextConfig, logger *slog.Logger) (*longText, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultLongTextThreshold
	}
	s := &longText{cfg: cfg, face: basicfont.Face7x13, logger: logger}
	if cfg.Strategy == "image" && cfg.FontPath != "" {
		face, err := loadFace(cfg.FontPath)
		if err != nil {
			logger.Warn("long text font unavailable, using the built-in face", "path", cfg.FontPath, "error", err)
		} else {
			s.face = face
		}
	}
	return s, nil
}

func loadFace(path string) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{Size: renderFontSize, DPI: 72, Hinting: font.HintingFull})
}

func (s *longText) Process(ctx context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	if q.IsStreaming() || len(q.RespMessageChain) == 0 {
		return single(pipeline.ContinueWith(q))
	}
	last := len(q.RespMessageChain) - 1
	chain := q.RespMessageChain[last]
	text := chain.Text()
	if utf8.RuneCountInString(text) < s.cfg.Threshold {
		return single(pipeline.ContinueWith(q))
	}

	switch s.cfg.Strategy {
	case "forward":
		q.RespMessageChain[last] = forwardChain(q, chain)
	case "image":
		img, err := renderText(text, s.face)
		if err != nil {
			s.logger.WarnContext(ctx, "long text render failed, forwarding instead", "error", err)
			q.RespMessageChain[last] = forwardChain(q, chain)
			break
		}
		q.RespMessageChain[last] = models.MessageChain{models.Image{Base64: img}}
	}
	return single(pipeline.ContinueWith(q))
}

func forwardChain(q *query.Query, chain models.MessageChain) models.MessageChain {
	return models.MessageChain{models.Forward{
		Title: "Reply",
		Nodes: []models.ForwardNode{{SenderID: q.BotUUID, SenderName: "bot", Chain: chain}},
	}}
}

// renderText draws text on a white canvas and returns the base64 PNG.
func renderText(text string, face font.Face) (string, error) {
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	if lineHeight <= 0 {
		return "", fmt.Errorf("font face has no line height")
	}
	lines := wrapLines(text, face, renderWidth-2*renderPadding)
	height := len(lines)*lineHeight + 2*renderPadding

	canvas := image.NewRGBA(image.Rect(0, 0, renderWidth, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	d := &font.Drawer{Dst: canvas, Src: image.NewUniform(color.Black), Face: face}
	for i, line := range lines {
		d.Dot = fixed.P(renderPadding, renderPadding+i*lineHeight+metrics.Ascent.Ceil())
		d.DrawString(line)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// wrapLines breaks text at newlines and wherever a line would exceed width.
func wrapLines(text string, face font.Face, width int) []string {
	limit := fixed.I(width)
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		var b strings.Builder
		for _, r := range para {
			if b.Len() > 0 && font.MeasureString(face, b.String()+string(r)) > limit {
				lines = append(lines, b.String())
				b.Reset()
			}
			b.WriteRune(r)
		}
		lines = append(lines, b.String())
	}
	return lines
}
