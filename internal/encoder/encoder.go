// Package encoder はサイズ上限付きのPNGエンコードを提供します。
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/ericpauley/go-quantize/quantize"
	"golang.org/x/image/draw"
)

// Lossless は減色を行わない品質値です。
const Lossless = 100

// Options は品質を下げながら再エンコードする際のパラメータです。
type Options struct {
	Start    int   // 最初に試す品質 (1-100)
	Step     int   // 1回あたりに下げる品質
	Floor    int   // 品質の下限。到達したら上限を満たさなくても終了
	MaxBytes int64 // 出力サイズの上限。0以下なら無制限
}

// DefaultOptions は設定が無い場合に使う値です。
func DefaultOptions() Options {
	return Options{Start: 100, Step: 10, Floor: 10, MaxBytes: 5 * 1024 * 1024}
}

// Result はエンコード結果です。
type Result struct {
	Data     []byte
	Quality  int // 最後に使った品質
	Attempts int
}

// Encoder はサイズ上限に収まるまで品質を段階的に下げてPNGを生成します。
type Encoder struct {
	opts Options
	png  png.Encoder
}

// New は Encoder を作成します。
func New(opts Options) (*Encoder, error) {
	if opts.Floor <= 0 || opts.Start > Lossless || opts.Floor > opts.Start {
		return nil, fmt.Errorf("quality range must satisfy 0 < floor <= start <= %d (got %d..%d)", Lossless, opts.Floor, opts.Start)
	}
	if opts.Step <= 0 {
		return nil, fmt.Errorf("quality step must be positive (got %d)", opts.Step)
	}
	return &Encoder{
		opts: opts,
		png:  png.Encoder{CompressionLevel: png.BestCompression},
	}, nil
}

// MaxAttempts はエンコードを試す最大回数です。
func (e *Encoder) MaxAttempts() int {
	return (e.opts.Start-e.opts.Floor+e.opts.Step-1)/e.opts.Step + 1
}

// Encode は設定済みの上限でエンコードします。
func (e *Encoder) Encode(img image.Image) (*Result, error) {
	return e.EncodeWithin(img, e.opts.MaxBytes)
}

// EncodeWithin は ceiling バイト以下になるか品質が下限に達するまで再エンコードします。
// 下限でも収まらない場合は最も低い品質の結果を返します。
func (e *Encoder) EncodeWithin(img image.Image, ceiling int64) (*Result, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	if img.Bounds().Empty() {
		return nil, errors.New("image has no pixels")
	}

	quality := e.opts.Start
	attempts := 0
	for {
		attempts++
		data, err := e.encodeAt(img, quality)
		if err != nil {
			return nil, fmt.Errorf("encode at quality %d: %w", quality, err)
		}
		if ceiling <= 0 || int64(len(data)) <= ceiling || quality <= e.opts.Floor {
			return &Result{Data: data, Quality: quality, Attempts: attempts}, nil
		}
		quality -= e.opts.Step
		if quality < e.opts.Floor {
			quality = e.opts.Floor
		}
	}
}

func (e *Encoder) encodeAt(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if quality >= Lossless {
		if err := e.png.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	paletted := reduceColors(img, paletteSize(quality), quality >= 50)
	if err := e.png.Encode(&buf, paletted); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// paletteSize は品質からパレット色数を求めます（透明色を含めて 2〜256）。
func paletteSize(quality int) int {
	n := 256 * quality / Lossless
	if n < 2 {
		n = 2
	}
	if n > 256 {
		n = 256
	}
	return n
}

// Mean は代表色のアルファを 255 に固定するため、半透明を保てる Mode を使う
var quantizer = quantize.MedianCutQuantizer{
	Aggregation:    quantize.Mode,
	Weighting:      opaqueWeight,
	AddTransparent: true,
}

// 完全に透明なピクセルはパレット選定に使わない
func opaqueWeight(img image.Image, x, y int) uint32 {
	_, _, _, a := img.At(x, y).RGBA()
	return a >> 8
}

func reduceColors(img image.Image, colors int, dither bool) *image.Paletted {
	bounds := img.Bounds()
	palette := quantizer.Quantize(make(color.Palette, 0, colors), img)
	dst := image.NewPaletted(bounds, palette)
	var drawer draw.Drawer = draw.Src
	if dither {
		drawer = draw.FloydSteinberg
	}
	drawer.Draw(dst, bounds, img, bounds.Min)
	return dst
}
