package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyPatch_AddFile(t *testing.T) {
	root := t.TempDir()
	patch := "*** Begin Patch\n*** Add File: notes.txt\n+hello\n+world\n*** End Patch"

	changed, err := ApplyPatch(root, patch)
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if len(changed) != 1 || changed[0] != "notes.txt" {
		t.Fatalf("unexpected changed set: %v", changed)
	}
	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	if err != nil {
		t.Fatalf("read added file: %v", err)
	}
	if string(data) != "hello\nworld\n" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestApplyPatch_UpdateFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	patch := "*** Begin Patch\n*** Update File: a.txt\n@@\n one\n-two\n+TWO\n three\n*** End Patch"
	changed, err := ApplyPatch(root, patch)
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if len(changed) != 1 || changed[0] != "a.txt" {
		t.Fatalf("unexpected changed set: %v", changed)
	}
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "one\nTWO\nthree\n" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestApplyPatch_RollsBackOnFailure(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("keep me\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	// Second op references a file that doesn't exist; the first op's Add
	// must be rolled back once the whole patch fails.
	patch := "*** Begin Patch\n*** Add File: b.txt\n+new content\n*** Delete File: missing.txt\n*** End Patch"
	_, err := ApplyPatch(root, patch)
	if err == nil {
		t.Fatalf("expected failure applying patch with missing delete target")
	}
	if _, statErr := os.Stat(filepath.Join(root, "b.txt")); statErr == nil {
		t.Fatalf("add-file side effect should have been rolled back")
	}
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil || string(data) != "keep me\n" {
		t.Fatalf("unrelated file should be untouched: %q, err=%v", data, err)
	}
}

func TestApplyPatch_RejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	patch := "*** Begin Patch\n*** Add File: ../escape.txt\n+pwned\n*** End Patch"
	if _, err := ApplyPatch(root, patch); err == nil {
		t.Fatalf("expected path escape rejection")
	}
}

func TestCheckpoint_CreateAndRewind(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	meta, err := CreateCheckpoint(root, "sess-1", "cp-1", 1000, "before edit", true, "write", []string{"f.txt", "new.txt"})
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	if len(meta.Files) != 2 {
		t.Fatalf("expected 2 file records, got %d", len(meta.Files))
	}

	// Mutate and create a new file after the checkpoint.
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("should vanish"), 0o644); err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := RewindCheckpoint(root, "sess-1", "cp-1")
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed paths, got %v", changed)
	}

	data, err := os.ReadFile(filepath.Join(root, "f.txt"))
	if err != nil || string(data) != "v1" {
		t.Fatalf("expected f.txt restored to v1, got %q err=%v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected new.txt removed on rewind, stat err=%v", err)
	}
}

func TestListCheckpoints_SortedByCreation(t *testing.T) {
	root := t.TempDir()
	if _, err := CreateCheckpoint(root, "sess-1", "cp-2", 2000, "", true, "", nil); err != nil {
		t.Fatalf("create cp-2: %v", err)
	}
	if _, err := CreateCheckpoint(root, "sess-1", "cp-1", 1000, "", true, "", nil); err != nil {
		t.Fatalf("create cp-1: %v", err)
	}

	list, err := ListCheckpoints(root, "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "cp-1" || list[1].ID != "cp-2" {
		t.Fatalf("unexpected order: %+v", list)
	}
}
