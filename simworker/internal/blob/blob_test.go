package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFS_SaveGetDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewFS(dir)
	ctx := context.Background()
	key := StepKey("run_1", "ep_1", 3)

	if key != "run_1/ep_1/step-3" {
		t.Fatalf("key = %q", key)
	}
	if err := s.Save(ctx, key, []byte("png")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run_1", "ep_1", "step-3.tmp")); !os.IsNotExist(err) {
		t.Fatal("tmp file left behind")
	}

	got, err := s.Get(ctx, key)
	if err != nil || !bytes.Equal(got, []byte("png")) {
		t.Fatalf("get = %q, %v", got, err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFS_RejectsTraversal(t *testing.T) {
	s := NewFS(t.TempDir())
	for _, key := range []string{"../escape", "a/../../b", ""} {
		if err := s.Save(context.Background(), key, nil); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}
