// Package snapshot writes and reads point-in-time copies of the engine state
// as a zstd stream holding one JSON header line followed by a gob body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

const Version = 1

// Ext is the file suffix of snapshot files.
const Ext = ".snap.zst"

var ErrVersion = errors.New("unsupported snapshot version")

// Header is readable without decoding the body.
type Header struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Networks  int       `json:"networks"`
	Blocks    int       `json:"blocks"`
	Disks     int       `json:"disks"`
	Items     int       `json:"items"`
}

type SnapshotV1 struct {
	Header Header
	State  engine.State
}

func New(st engine.State, now time.Time) SnapshotV1 {
	return SnapshotV1{
		Header: Header{
			Version:   Version,
			CreatedAt: now.UTC(),
			Networks:  len(st.Networks),
			Blocks:    len(st.Blocks),
			Disks:     len(st.Disks),
			Items:     len(st.Items),
		},
		State: st,
	}
}

// FileName returns the conventional name for a snapshot taken at t.
func FileName(t time.Time) string {
	return "mss-" + t.UTC().Format("20060102-150405") + Ext
}

func Encode(w io.Writer, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func Decode(r io.Reader) (SnapshotV1, error) {
	var snap SnapshotV1
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.State.Descriptors == nil {
		snap.State.Descriptors = map[item.ContentHash]item.Descriptor{}
	}
	return snap, nil
}

// WriteSnapshot replaces path atomically; readers never see a partial file.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	pf, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if err := Encode(pf, snap); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotV1{}, err
	}
	defer f.Close()
	return Decode(f)
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// Batch converts a snapshot state into the single write that restores it
// on an empty backend.
func Batch(st engine.State) engine.Batch {
	b := engine.Batch{
		Networks: append([]engine.NetworkRecord(nil), st.Networks...),
		Blocks:   append([]topology.BlockRecord(nil), st.Blocks...),
		Disks:    append([]engine.DiskRecord(nil), st.Disks...),
		Items:    make([]engine.ItemRecord, 0, len(st.Items)),
		Slots:    append([]engine.SlotRecord(nil), st.Slots...),
	}
	for _, it := range st.Items {
		if it.Quantity > 0 {
			b.Items = append(b.Items, it)
		}
	}
	hashes := make([]item.ContentHash, 0, len(st.Descriptors))
	for h := range st.Descriptors {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	for _, h := range hashes {
		b.Descriptors = append(b.Descriptors, item.Identity{Hash: h, Descriptor: st.Descriptors[h]})
	}
	return b
}
