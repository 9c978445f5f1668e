package document

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/oov/psd"
	"golang.org/x/image/draw"
)

// Open はPSD/PSBファイルを開いてデコードします。
func Open(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode はPSD/PSBストリームをデコードします。統合画像は使わないため読み飛ばします。
func Decode(r io.Reader) (*Document, error) {
	img, _, err := psd.Decode(bufio.NewReader(r), &psd.DecodeOptions{SkipMergedImage: true})
	if err != nil {
		return nil, fmt.Errorf("psd decode: %w", err)
	}

	canvas := img.Config.Rect
	doc := &Document{
		Width:  canvas.Dx(),
		Height: canvas.Dy(),
		Layers: make([]Layer, 0, len(img.Layer)),
	}
	for i := range img.Layer {
		l := &img.Layer[i]
		composite, bounds := compositeOf(l)
		doc.Layers = append(doc.Layers, Layer{
			Name:      layerName(l),
			Visible:   l.Visible(),
			Offset:    bounds.Min.Sub(canvas.Min),
			Composite: composite,
		})
	}
	return doc, nil
}

func layerName(l *psd.Layer) string {
	if l.UnicodeName != "" {
		return l.UnicodeName
	}
	return l.Name
}

// compositeOf はレイヤーのラスタとキャンバス座標での矩形を返します。
// フォルダは表示中の子レイヤーを下から順に合成した1枚の画像になります。
func compositeOf(l *psd.Layer) (image.Image, image.Rectangle) {
	if l.Folder() {
		return flattenFolder(l)
	}
	if l.Picker == nil || l.Rect.Empty() {
		return nil, image.Rectangle{}
	}
	if l.Opacity == 255 {
		return l.Picker, l.Rect
	}
	dst := image.NewNRGBA(l.Rect)
	draw.DrawMask(dst, l.Rect, l.Picker, l.Rect.Min, image.NewUniform(color.Alpha{A: l.Opacity}), image.Point{}, draw.Src)
	return dst, l.Rect
}

func flattenFolder(folder *psd.Layer) (image.Image, image.Rectangle) {
	type part struct {
		img  image.Image
		rect image.Rectangle
	}
	var (
		parts []part
		union image.Rectangle
	)
	for i := range folder.Layer {
		child := &folder.Layer[i]
		if !child.Visible() {
			continue
		}
		img, rect := compositeOf(child)
		if img == nil || rect.Empty() {
			continue
		}
		// compositeOf が子の不透明度を反映済み
		parts = append(parts, part{img: img, rect: rect})
		union = union.Union(rect)
	}
	if len(parts) == 0 {
		return nil, image.Rectangle{}
	}

	dst := image.NewNRGBA(union)
	for _, p := range parts {
		draw.Draw(dst, p.rect, p.img, p.rect.Min, draw.Over)
	}
	if folder.Opacity != 255 {
		faded := image.NewNRGBA(union)
		draw.DrawMask(faded, union, dst, union.Min, image.NewUniform(color.Alpha{A: folder.Opacity}), image.Point{}, draw.Src)
		return faded, union
	}
	return dst, union
}
