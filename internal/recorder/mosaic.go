package recorder

import (
	"fmt"
	"image"
	"log/slog"
	"sort"

	"mvision/internal/camera"
)

// Tile はモザイクに並べる1台分のフレーム
type Tile struct {
	ID    string
	Name  string
	Frame camera.Frame
}

// Composer は複数デバイスの最新フレームを1枚の画像に並べる
type Composer struct {
	outputWidth  int
	outputHeight int
	quality      int
	logger       *slog.Logger
}

// NewComposer は出力サイズとJPEG品質を指定して Composer を作成する
func NewComposer(outputWidth, outputHeight, quality int, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		outputWidth:  outputWidth,
		outputHeight: outputHeight,
		quality:      quality,
		logger:       logger,
	}
}

// Compose はタイルを名前順に並べ、JPEGにエンコードして返す
func (c *Composer) Compose(tiles []Tile) ([]byte, error) {
	img, err := c.ComposeImage(tiles)
	if err != nil {
		return nil, err
	}
	return encode(img, FormatJPEG, c.quality)
}

// ComposeImage はタイルを並べた画像を返す。変換できないフレームは飛ばす
func (c *Composer) ComposeImage(tiles []Tile) (*image.RGBA, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("結合するフレームがありません")
	}

	// 名前でソート、同じ名前の場合はIDでソートして位置を固定する
	sorted := make([]Tile, len(tiles))
	copy(sorted, tiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Name == sorted[j].Name {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Name < sorted[j].Name
	})

	layout := c.calculateLayout(len(sorted))
	out := image.NewRGBA(image.Rect(0, 0, c.outputWidth, c.outputHeight))

	placed := 0
	for _, tile := range sorted {
		src, err := FrameImage(tile.Frame)
		if err != nil {
			c.logger.Warn("mosaic: フレームを変換できません", "device_id", tile.ID, "error", err)
			continue
		}
		drawImageAt(out, src, c.calculatePosition(placed, layout))
		placed++
	}
	if placed == 0 {
		return nil, fmt.Errorf("有効なフレームがありません")
	}
	return out, nil
}

// LayoutInfo はレイアウト情報
type LayoutInfo struct {
	Cols       int
	Rows       int
	CellWidth  int
	CellHeight int
}

// calculateLayout はフレーム数に基づいてレイアウトを計算する
func (c *Composer) calculateLayout(frameCount int) LayoutInfo {
	var cols, rows int

	switch frameCount {
	case 1:
		cols, rows = 1, 1
	case 2:
		cols, rows = 2, 1
	case 3, 4:
		cols, rows = 2, 2
	default:
		// 5つ以上は横を多めに取る
		cols = int(float64(frameCount)*0.6) + 1
		rows = (frameCount + cols - 1) / cols
	}

	return LayoutInfo{
		Cols:       cols,
		Rows:       rows,
		CellWidth:  c.outputWidth / cols,
		CellHeight: c.outputHeight / rows,
	}
}

// Position は配置位置
type Position struct {
	X, Y          int
	Width, Height int
}

func (c *Composer) calculatePosition(index int, layout LayoutInfo) Position {
	return Position{
		X:      (index % layout.Cols) * layout.CellWidth,
		Y:      (index / layout.Cols) * layout.CellHeight,
		Width:  layout.CellWidth,
		Height: layout.CellHeight,
	}
}

// drawImageAt はニアレストネイバー法で縮小しながら描画する
func drawImageAt(dst *image.RGBA, src image.Image, pos Position) {
	b := src.Bounds()
	srcWidth, srcHeight := b.Dx(), b.Dy()

	for y := 0; y < pos.Height; y++ {
		for x := 0; x < pos.Width; x++ {
			srcX := x * srcWidth / pos.Width
			srcY := y * srcHeight / pos.Height
			if srcX < srcWidth && srcY < srcHeight {
				dst.Set(pos.X+x, pos.Y+y, src.At(b.Min.X+srcX, b.Min.Y+srcY))
			}
		}
	}
}
