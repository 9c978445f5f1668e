// Package document はレイヤー構造を持つ画像ドキュメントの読み取り専用モデルを提供します。
package document

import (
	"image"
	"path/filepath"
	"strings"
)

// Document はデコード済みのドキュメントです。レイヤーの順序は作成順を保持します。
type Document struct {
	Width  int
	Height int
	Layers []Layer
}

// Layer はドキュメント内の1レイヤーを表します。
type Layer struct {
	Name    string
	Visible bool
	// Offset はキャンバス上でのレイヤー左上の位置です。
	Offset image.Point
	// Composite はレイヤーのラスタです。ピクセルを持たない場合は nil。
	Composite image.Image
}

// Canvas はキャンバスの矩形を返します。
func (d *Document) Canvas() image.Rectangle {
	return image.Rect(0, 0, d.Width, d.Height)
}

// Opener はパスからドキュメントを開く関数です。
type Opener func(path string) (*Document, error)

var documentExts = map[string]struct{}{
	".psd": {},
	".psb": {},
}

// IsDocument はファイル名がレイヤードキュメントの拡張子か判定します（大文字小文字は区別しない）。
func IsDocument(name string) bool {
	_, ok := documentExts[strings.ToLower(filepath.Ext(name))]
	return ok
}
