// Package export はドキュメントのレイヤーをPNGとして書き出します。
package export

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/yourusername/layer-forge/internal/document"
	"github.com/yourusername/layer-forge/internal/encoder"
)

// Role は成果物の種別です。
type Role string

const (
	RoleCut  Role = "cut"
	RoleFull Role = "full"
)

// ArtifactName はレイヤー番号と種別から出力ファイル名を返します。
func ArtifactName(index int, role Role) string {
	return fmt.Sprintf("layer_%d_%s.png", index, role)
}

// LayerFailure は1レイヤーの書き出し失敗です。処理は次のレイヤーへ続行します。
type LayerFailure struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Role    Role   `json:"role"`
	Message string `json:"message"`
}

// DocumentReport は1ドキュメント分の書き出し結果です。
type DocumentReport struct {
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Layers     int            `json:"layers"`
	Visible    int            `json:"visible"`
	Cut        int            `json:"cut"`
	Full       int            `json:"full"`
	Bytes      int64          `json:"bytes"`
	MinQuality int            `json:"minQuality,omitempty"`
	Failures   []LayerFailure `json:"failures,omitempty"`
}

// Exporter はレイヤーごとに切り抜き画像とキャンバスサイズ画像を生成します。
type Exporter struct {
	enc    *encoder.Encoder
	logger *slog.Logger
}

// NewExporter は Exporter を作成します。
func NewExporter(enc *encoder.Encoder, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{enc: enc, logger: logger}
}

// Export は doc の表示中レイヤーを outDir に書き出します。
// レイヤー単位の失敗はレポートに記録され、エラーとしては返しません。
func (e *Exporter) Export(ctx context.Context, doc *document.Document, outDir string) (*DocumentReport, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	report := &DocumentReport{
		Width:  doc.Width,
		Height: doc.Height,
		Layers: len(doc.Layers),
	}
	canvas := doc.Canvas()

	for i, layer := range doc.Layers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !layer.Visible || layer.Composite == nil {
			continue
		}
		report.Visible++

		// キャンバス外にはみ出した部分は切り抜きの対象外
		onCanvas := canvas.Add(layer.Composite.Bounds().Min.Sub(layer.Offset))
		if box := opaqueBounds(layer.Composite, onCanvas); !box.Empty() {
			e.write(report, outDir, i, layer, RoleCut, func() image.Image {
				return crop(layer.Composite, box)
			})
		}
		e.write(report, outDir, i, layer, RoleFull, func() image.Image {
			return placeOnCanvas(layer.Composite, layer.Offset, canvas)
		})
	}
	return report, nil
}

func (e *Exporter) write(report *DocumentReport, outDir string, index int, layer document.Layer, role Role, render func() image.Image) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic while rendering: %v", r)
			}
		}()
		res, err := e.enc.Encode(render())
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, ArtifactName(index, role)), res.Data, 0o640); err != nil {
			return err
		}
		switch role {
		case RoleCut:
			report.Cut++
		case RoleFull:
			report.Full++
		}
		report.Bytes += int64(len(res.Data))
		if report.MinQuality == 0 || res.Quality < report.MinQuality {
			report.MinQuality = res.Quality
		}
		return nil
	}()
	if err != nil {
		e.logger.Warn("layer export failed", "layer", index, "name", layer.Name, "role", role, "error", err)
		report.Failures = append(report.Failures, LayerFailure{
			Index:   index,
			Name:    layer.Name,
			Role:    role,
			Message: err.Error(),
		})
	}
}

// opaqueBounds は within の範囲でアルファが0でないピクセルを囲む最小矩形を返します。
func opaqueBounds(img image.Image, within image.Rectangle) image.Rectangle {
	b := img.Bounds().Intersect(within)
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X, b.Min.Y

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := nrgba.Pix[nrgba.PixOffset(b.Min.X, y):]
			for x := b.Min.X; x < b.Max.X; x++ {
				if row[(x-b.Min.X)*4+3] == 0 {
					continue
				}
				minX, minY, maxX, maxY = min(minX, x), min(minY, y), max(maxX, x+1), max(maxY, y+1)
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
					continue
				}
				minX, minY, maxX, maxY = min(minX, x), min(minY, y), max(maxX, x+1), max(maxY, y+1)
			}
		}
	}

	if minX >= maxX || minY >= maxY {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX, maxY)
}

func crop(img image.Image, box image.Rectangle) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.Copy(dst, image.Point{}, img, box, draw.Src, nil)
	return dst
}

// placeOnCanvas は透明なキャンバスにレイヤーを配置します。はみ出した部分は切り捨てます。
func placeOnCanvas(img image.Image, offset image.Point, canvas image.Rectangle) image.Image {
	dst := image.NewNRGBA(canvas)

	src := img.Bounds()
	target := image.Rectangle{Min: offset, Max: offset.Add(src.Size())}
	draw.Draw(dst, target, img, src.Min, draw.Over)
	return dst
}
