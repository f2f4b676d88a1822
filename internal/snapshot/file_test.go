package snapshot

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func TestFileStore(t *testing.T) {
	fsys := afero.NewMemMapFs()
	store := NewFile(fsys, "/var/lib/flagsync/snapshot.json", testScope)
	storeContract(t, store)

	if exists, _ := afero.Exists(fsys, "/var/lib/flagsync/snapshot.json.tmp"); exists {
		t.Fatal("temporary snapshot file left behind")
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "snapshot.json", []byte("{broken"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := NewFile(fsys, "snapshot.json", testScope)
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("Load() error = nil for corrupt file")
	}
}
