package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// Compression modes
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// ErrUnsupportedCompression is returned for unknown compression modes
var ErrUnsupportedCompression = errors.New("unsupported compression")

const fileSuffix = ".blob"

// FS stores each blob as a file under a two-character shard directory. Writes go to a
// temp file first and are renamed into place, so readers never see partial payloads.
type FS struct {
	log      logrus.FieldLogger
	basePath string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewFS creates a filesystem store rooted at basePath
func NewFS(log logrus.FieldLogger, basePath, compression string) (*FS, error) {
	if basePath == "" {
		return nil, errors.New("blob path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve blob path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob path: %w", err)
	}

	s := &FS{
		log:      log.WithField("component", "blob_fs"),
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}

	// The decoder is always available so a store switched to "none" can still read
	// blobs written compressed.
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	switch compression {
	case CompressionZstd:
		s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	case CompressionNone, "":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, compression)
	}

	return s, nil
}

func (s *FS) path(id string) string {
	return filepath.Join(s.basePath, id[:2], id+fileSuffix)
}

// Every file starts with one marker byte naming the encoding of the rest
const (
	markerRaw  byte = 0
	markerZstd byte = 1
)

func (s *FS) Put(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}

	unlock := s.lockEntry(id)
	defer unlock()

	var body []byte
	if s.encoder != nil && len(data) > 0 {
		body = s.encoder.EncodeAll(data, append(make([]byte, 0, len(data)/2+1), markerZstd))
	} else {
		body = append([]byte{markerRaw}, data...)
	}

	target := s.path(id)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()

	_, err = tmp.Write(body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", id, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename blob %s: %w", id, err)
	}

	return nil
}

func (s *FS) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("read blob %s: empty file", id)
	}

	switch raw[0] {
	case markerRaw:
		return raw[1:], nil
	case markerZstd:
		out, err := s.decoder.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", id, err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("read blob %s: unknown encoding marker %#x", id, raw[0])
	}
}

func (s *FS) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	unlock := s.lockEntry(id)
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob %s: %w", id, err)
	}

	return nil
}

// Close releases the zstd encoder and decoder
func (s *FS) Close() {
	if s.encoder != nil {
		_ = s.encoder.Close()
	}

	s.decoder.Close()
}

func (s *FS) lockEntry(id string) func() {
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
