package diskimage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/contain-vm/contain/internal/config"
)

func TestWriteImage_Qcow2ValidHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.qcow2")

	if err := WriteImage(path, config.FormatQcow2, 2048); err != nil {
		t.Fatalf("WriteImage() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if len(data) < headerSize {
		t.Fatalf("image too small: %d bytes", len(data))
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != qcow2Magic {
		t.Errorf("magic = %#x, want %#x", magic, qcow2Magic)
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != qcow2Version {
		t.Errorf("version = %d, want %d", version, qcow2Version)
	}
	bits := binary.BigEndian.Uint32(data[20:24])
	if bits != clusterBits {
		t.Errorf("cluster_bits = %d, want %d", bits, clusterBits)
	}
	size := binary.BigEndian.Uint64(data[24:32])
	wantSize := uint64(2048) * 1024 * 1024
	if size != wantSize {
		t.Errorf("size = %d, want %d", size, wantSize)
	}
	order := binary.BigEndian.Uint32(data[96:100])
	if order != refcountOrder {
		t.Errorf("refcount_order = %d, want %d", order, refcountOrder)
	}
}

func TestWriteImage_Qcow2Sparse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.qcow2")

	if err := WriteImage(path, config.FormatQcow2, 4096); err != nil {
		t.Fatalf("WriteImage() error: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() < int64(4096)*1024*1024 {
		t.Errorf("file length %d smaller than declared guest size", fi.Size())
	}
}

func TestWriteImage_RawSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.raw")

	if err := WriteImage(path, config.FormatRaw, 16); err != nil {
		t.Fatalf("WriteImage() error: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 16*1024*1024 {
		t.Errorf("size = %d, want %d", fi.Size(), 16*1024*1024)
	}
}

func TestWriteImage_IdempotentOnExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kept.qcow2")
	want := []byte("pre-existing disk contents, not a real qcow2")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := WriteImage(path, config.FormatQcow2, 1024); err != nil {
		t.Fatalf("WriteImage() error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("existing disk bytes changed: got %q, want %q", got, want)
	}
}

func TestWriteImage_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.img")
	if err := WriteImage(path, config.DiskFormat(99), 16); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
