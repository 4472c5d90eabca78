package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fs := OSFileSystem{}

	if !fs.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fs.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_RenameAndReadDir(t *testing.T) {
	ofs := OSFileSystem{}
	dir := t.TempDir()
	staging := filepath.Join(dir, ".staging")
	if err := ofs.MkdirAll(staging, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	src := filepath.Join(staging, "d8.tif")
	if err := ofs.WriteFile(src, []byte("raster"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	entries, err := ofs.ReadDir(staging)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "d8.tif" {
		t.Fatalf("unexpected entries: %v", entries)
	}

	dst := filepath.Join(dir, "d8.tif")
	if err := ofs.Rename(src, dst); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if ofs.Exists(src) {
		t.Error("expected source to be gone after rename")
	}
	data, err := ofs.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "raster" {
		t.Errorf("got %q, want %q", data, "raster")
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	if err := mfs.WriteFile("/test.txt", testData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := mfs.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}

	// Mutating the returned slice must not touch the stored copy.
	data[0] = 'H'
	again, _ := mfs.ReadFile("/test.txt")
	if string(again) != string(testData) {
		t.Errorf("stored data was mutated: %q", again)
	}
}

func TestMemoryFileSystem_CreateAndOpen(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.Create("/created.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("created content")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := mfs.Open("/created.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "created content" {
		t.Errorf("expected 'created content', got %q", data)
	}

	if _, err := mfs.Open("/missing.txt"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_StatModTime(t *testing.T) {
	mfs := NewMemoryFileSystem()
	stamp := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	mfs.Now = func() time.Time { return stamp }

	if err := mfs.WriteFile("/out/twi.tif", []byte("abc"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	info, err := mfs.Stat("/out/twi.tif")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 3 {
		t.Errorf("Size() = %d, want 3", info.Size())
	}
	if !info.ModTime().Equal(stamp) {
		t.Errorf("ModTime() = %v, want %v", info.ModTime(), stamp)
	}
	if info.IsDir() {
		t.Error("expected file, got dir")
	}
}

func TestMemoryFileSystem_Rename(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.MkdirAll("/work/.staging", 0755)
	_ = mfs.WriteFile("/work/.staging/chm.tif", []byte("v1"), 0644)

	if err := mfs.Rename("/work/.staging/chm.tif", "/work/chm.tif"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if mfs.Exists("/work/.staging/chm.tif") {
		t.Error("expected staging file to be moved")
	}
	data, _ := mfs.ReadFile("/work/chm.tif")
	if string(data) != "v1" {
		t.Errorf("got %q, want v1", data)
	}

	// Missing destination directory is an error, as with os.Rename.
	_ = mfs.WriteFile("/work/.staging/x.tif", []byte("x"), 0644)
	if err := mfs.Rename("/work/.staging/x.tif", "/nowhere/x.tif"); err == nil {
		t.Error("expected error renaming into missing directory")
	}
	if err := mfs.Rename("/work/.staging/none.tif", "/work/none.tif"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.MkdirAll("/work/.staging/sub", 0755)
	_ = mfs.WriteFile("/work/.staging/streams_vector.shp", []byte("a"), 0644)
	_ = mfs.WriteFile("/work/.staging/streams_vector.dbf", []byte("b"), 0644)
	_ = mfs.WriteFile("/work/other.tif", []byte("c"), 0644)

	entries, err := mfs.ReadDir("/work/.staging")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{"streams_vector.dbf", "streams_vector.shp", "sub"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
	if !entries[2].IsDir() {
		t.Error("expected sub to be a directory")
	}

	if _, err := mfs.ReadDir("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_RemoveAll(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.MkdirAll("/work/.staging", 0755)
	_ = mfs.WriteFile("/work/.staging/a.tif", []byte("a"), 0644)
	_ = mfs.WriteFile("/work/.staging-other/b.tif", []byte("b"), 0644)

	if err := mfs.RemoveAll("/work/.staging"); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if mfs.Exists("/work/.staging/a.tif") || mfs.Exists("/work/.staging") {
		t.Error("expected staging tree removed")
	}
	if !mfs.Exists("/work/.staging-other/b.tif") {
		t.Error("sibling with shared prefix must survive")
	}
}

func TestMemoryFileSystem_Remove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/a.tif", []byte("a"), os.FileMode(0644))

	if err := mfs.Remove("/a.tif"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := mfs.Remove("/a.tif"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist on second remove, got %v", err)
	}
}

func TestMemoryFileSystem_PathCleaning(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/work/./out/../out/dem.tif", []byte("z"), 0644)

	if !mfs.Exists("/work/out/dem.tif") {
		t.Error("expected cleaned path to exist")
	}
}
