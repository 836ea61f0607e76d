package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindSubjects(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"a.nii.gz",
		"b.nii",
		"b_defaced.nii",
		"c_faced.nii.gz",
		"d_facemask.nii.gz",
		"e_voxelated.nii",
		"notes.txt",
		"archive.gz",
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.nii"), 0o755); err != nil {
		t.Fatal(err)
	}

	subjects, err := findSubjects(dir)
	if err != nil {
		t.Fatalf("findSubjects: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.nii.gz"),
		filepath.Join(dir, "b.nii"),
	}
	if len(subjects) != len(want) {
		t.Fatalf("subjects = %v, want %v", subjects, want)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Errorf("subjects[%d] = %q, want %q", i, subjects[i], want[i])
		}
	}
}

func TestFindSubjectsMissingDir(t *testing.T) {
	if _, err := findSubjects(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}
