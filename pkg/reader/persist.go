package reader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"DataReader/pkg/wire"
)

const snapshotVersion = 1

type snapshot struct {
	Version  int             `cbor:"1,keyasint"`
	Sessions []RetrieveState `cbor:"2,keyasint"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("reader: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("reader: zstd decoder initialization failed: " + err.Error())
	}
}

// SaveState writes the live sessions to path, replacing any previous
// snapshot atomically.
func SaveState(path string, sessions []RetrieveState) error {
	b, err := wire.Marshal(snapshot{Version: snapshotVersion, Sessions: sessions})
	if err != nil {
		return fmt.Errorf("reader: encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, zstdEncoder.EncodeAll(b, nil), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadState reads and removes the snapshot at path. A missing file
// yields no sessions.
func LoadState(path string) ([]RetrieveState, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := zstdDecoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("reader: decompress state: %w", err)
	}
	var snap snapshot
	if err := wire.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("reader: decode state: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("reader: state version %d not supported", snap.Version)
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return snap.Sessions, nil
}
