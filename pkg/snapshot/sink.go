package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"
)

// Snapshot image file layout.
const (
	imageExtension = ".img.lz4"
	metadataName   = "snapshot.json"

	dirPerm  = 0o750
	filePerm = 0o600
)

// SinkMetadata describes a persisted snapshot image; it is written next to
// the image as JSON.
type SinkMetadata struct {
	GroupID        int32     `json:"group_id"`
	TakenAt        time.Time `json:"taken_at"`
	Threads        int       `json:"threads"`
	ImageFile      string    `json:"image_file"`
	RawSize        int64     `json:"raw_size"`
	CompressedSize int64     `json:"compressed_size"`
	Checksum       string    `json:"checksum"`
}

// FileSink persists snapshots as lz4-compressed gob images under a base
// directory, one subdirectory per group. It honors the capture-job deadline
// carried by ctx.
type FileSink struct {
	baseDir string
}

// NewFileSink creates a sink rooted at baseDir.
func NewFileSink(baseDir string) *FileSink {
	return &FileSink{baseDir: baseDir}
}

// GroupDir returns the directory snapshots of group g are written to.
func (fs *FileSink) GroupDir(g int32) string {
	return filepath.Join(fs.baseDir, fmt.Sprintf("group_%d", g))
}

// MetadataPath returns the path of the metadata file for group g.
func (fs *FileSink) MetadataPath(g int32) string {
	return filepath.Join(fs.GroupDir(g), metadataName)
}

// Persist implements Sink. The gob-encoded snapshot is lz4-compressed and
// written together with a JSON metadata file carrying sizes and a checksum
// of the raw encoding.
func (fs *FileSink) Persist(ctx context.Context, snap *ProcessSnapshot) error {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return fmt.Errorf("persist snapshot: %w", ctxErr)
	}

	raw := new(bytes.Buffer)

	encErr := gob.NewEncoder(raw).Encode(snap)
	if encErr != nil {
		return fmt.Errorf("encode snapshot: %w", encErr)
	}

	sum := sha256.Sum256(raw.Bytes())

	dir := fs.GroupDir(int32(snap.GroupID))

	mkdirErr := os.MkdirAll(dir, dirPerm)
	if mkdirErr != nil {
		return fmt.Errorf("create snapshot dir: %w", mkdirErr)
	}

	imageName := fmt.Sprintf("snapshot-%d%s", snap.TakenAt.UnixNano(), imageExtension)
	imagePath := filepath.Join(dir, imageName)

	compressed := new(bytes.Buffer)
	zw := lz4.NewWriter(compressed)

	_, copyErr := zw.Write(raw.Bytes())
	if copyErr != nil {
		return fmt.Errorf("compress snapshot: %w", copyErr)
	}

	closeErr := zw.Close()
	if closeErr != nil {
		return fmt.Errorf("flush compressed snapshot: %w", closeErr)
	}

	// The deadline may have passed while encoding; never write a late image.
	ctxErr = ctx.Err()
	if ctxErr != nil {
		return fmt.Errorf("persist snapshot: %w", ctxErr)
	}

	writeErr := os.WriteFile(imagePath, compressed.Bytes(), filePerm)
	if writeErr != nil {
		return fmt.Errorf("write snapshot image: %w", writeErr)
	}

	meta := SinkMetadata{
		GroupID:        int32(snap.GroupID),
		TakenAt:        snap.TakenAt,
		Threads:        len(snap.Threads),
		ImageFile:      imageName,
		RawSize:        int64(raw.Len()),
		CompressedSize: int64(compressed.Len()),
		Checksum:       hex.EncodeToString(sum[:]),
	}

	metaData, marshalErr := json.MarshalIndent(meta, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", marshalErr)
	}

	writeMetaErr := os.WriteFile(fs.MetadataPath(int32(snap.GroupID)), metaData, filePerm)
	if writeMetaErr != nil {
		return fmt.Errorf("write snapshot metadata: %w", writeMetaErr)
	}

	return nil
}

// LoadMetadata reads the metadata of the most recent snapshot for group g.
func (fs *FileSink) LoadMetadata(g int32) (*SinkMetadata, error) {
	data, err := os.ReadFile(fs.MetadataPath(g))
	if err != nil {
		return nil, fmt.Errorf("read snapshot metadata: %w", err)
	}

	var meta SinkMetadata

	unmarshalErr := json.Unmarshal(data, &meta)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal snapshot metadata: %w", unmarshalErr)
	}

	return &meta, nil
}

// LoadImage reads back and decodes a persisted snapshot image.
func (fs *FileSink) LoadImage(g int32, imageFile string) (*ProcessSnapshot, error) {
	compressed, err := os.ReadFile(filepath.Join(fs.GroupDir(g), imageFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot image: %w", err)
	}

	zr := lz4.NewReader(bytes.NewReader(compressed))

	var snap ProcessSnapshot

	decErr := gob.NewDecoder(zr).Decode(&snap)
	if decErr != nil {
		return nil, fmt.Errorf("decode snapshot image: %w", decErr)
	}

	return &snap, nil
}
