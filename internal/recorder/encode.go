package recorder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"mvision/internal/camera"
)

// Format は保存する画像形式
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat は画像形式名を解釈する。空文字は JPEG
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("不明な画像形式: %q", s)
	}
}

// Ext はファイル拡張子を返す
func (f Format) Ext() string {
	if f == FormatPNG {
		return ".png"
	}
	return ".jpg"
}

// ContentType はHTTPのContent-Typeを返す
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// FrameImage はフレームを image.Image に変換する。
// L8 と Bayer8 はグレースケール、L12 と L16 は16bitグレースケールとして扱う
func FrameImage(frame camera.Frame) (image.Image, error) {
	w, h := frame.Width, frame.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("無効なフレームサイズ: %dx%d", w, h)
	}
	if want := frame.PixelMode.FrameSize(w, h); want == 0 || len(frame.Data) < want {
		return nil, fmt.Errorf("フレームデータが不足しています: %s %dx%d (%d bytes)",
			frame.PixelMode, w, h, len(frame.Data))
	}

	rect := image.Rect(0, 0, w, h)
	switch frame.PixelMode {
	case camera.PixelL8, camera.PixelBayer8:
		img := image.NewGray(rect)
		copy(img.Pix, frame.Data[:w*h])
		return img, nil

	case camera.PixelL12, camera.PixelL16:
		shift := 0
		if frame.PixelMode == camera.PixelL12 {
			shift = 4
		}
		img := image.NewGray16(rect)
		for i := 0; i < w*h; i++ {
			// フレームはリトルエンディアン、Gray16 はビッグエンディアン
			v := (uint16(frame.Data[2*i]) | uint16(frame.Data[2*i+1])<<8) << shift
			img.Pix[2*i] = byte(v >> 8)
			img.Pix[2*i+1] = byte(v)
		}
		return img, nil

	case camera.PixelRGB8:
		img := image.NewRGBA(rect)
		for i := 0; i < w*h; i++ {
			img.Pix[4*i] = frame.Data[3*i]
			img.Pix[4*i+1] = frame.Data[3*i+1]
			img.Pix[4*i+2] = frame.Data[3*i+2]
			img.Pix[4*i+3] = 0xff
		}
		return img, nil

	default:
		return nil, fmt.Errorf("画像に変換できないピクセルモード: %s", frame.PixelMode)
	}
}

// EncodeImage はフレームを指定形式にエンコードする。quality は JPEG のみ使う
func EncodeImage(frame camera.Frame, format Format, quality int) ([]byte, error) {
	img, err := FrameImage(frame)
	if err != nil {
		return nil, err
	}
	return encode(img, format, quality)
}

func encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("PNG エンコードに失敗: %w", err)
		}
	case FormatJPEG:
		if quality < 1 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("JPEG エンコードに失敗: %w", err)
		}
	default:
		return nil, fmt.Errorf("不明な画像形式: %q", format)
	}
	return buf.Bytes(), nil
}
