package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// IndexFile は各デバイスのディレクトリに置く索引ファイル名
const IndexFile = "index.cbor"

// Record は保存した1枚のスナップショットの索引
type Record struct {
	Index     uint64        `cbor:"1,keyasint" json:"index"`
	Timestamp time.Duration `cbor:"2,keyasint" json:"timestamp"`
	Captured  time.Time     `cbor:"3,keyasint" json:"captured"`
	Saved     time.Time     `cbor:"4,keyasint" json:"saved"`
	Width     int           `cbor:"5,keyasint" json:"width"`
	Height    int           `cbor:"6,keyasint" json:"height"`
	PixelMode string        `cbor:"7,keyasint" json:"pixel_mode"`
	File      string        `cbor:"8,keyasint" json:"file"`
	Size      int           `cbor:"9,keyasint" json:"size"`
}

var (
	indexEncMode cbor.EncMode
	indexDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	indexEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("索引のCBORエンコーダー作成に失敗: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	indexDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("索引のCBORデコーダー作成に失敗: %v", err))
	}
}

// appendRecord は索引ファイルに1件追記する
func appendRecord(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("索引ファイルを開けません: %w", err)
	}
	defer f.Close()

	if err := indexEncMode.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("索引の書き込みに失敗: %w", err)
	}
	return nil
}

// ReadIndex は索引ファイルを先頭から全て読む。ファイルが無ければ空
func ReadIndex(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("索引ファイルを開けません: %w", err)
	}
	defer f.Close()

	var records []Record
	dec := indexDecMode.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			// 書き込み途中で終わった末尾は読めたところまで返す
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return records, nil
			}
			return records, fmt.Errorf("索引の読み込みに失敗: %w", err)
		}
		records = append(records, rec)
	}
}
