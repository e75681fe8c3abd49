package blobfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestClient_ExistsIsDirIsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	writeFile(t, file, "hello")

	c := NewClient()
	ctx := context.Background()

	if ok, err := c.Exists(ctx, file); err != nil || !ok {
		t.Fatalf("Exists(file) = %v, %v", ok, err)
	}
	if ok, err := c.IsFile(ctx, file); err != nil || !ok {
		t.Fatalf("IsFile(file) = %v, %v", ok, err)
	}
	if ok, err := c.IsDir(ctx, file); err != nil || ok {
		t.Fatalf("IsDir(file) = %v, %v, want false", ok, err)
	}
	if ok, err := c.IsDir(ctx, dir); err != nil || !ok {
		t.Fatalf("IsDir(dir) = %v, %v", ok, err)
	}
	if ok, err := c.Exists(ctx, filepath.Join(dir, "missing.txt")); err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v, want false", ok, err)
	}
}

func TestClient_StatReportsSizeAndNotFound(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	writeFile(t, file, "hello world")

	c := NewClient()
	ctx := context.Background()

	s, err := c.Stat(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if s.Size != 11 {
		t.Errorf("Size = %d, want 11", s.Size)
	}

	_, err = c.Stat(ctx, filepath.Join(dir, "missing.txt"))
	var notFound *FileNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Stat(missing) err = %v, want *FileNotFoundError", err)
	}
}

func TestClient_ListDirAndWalk(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	c := NewClient()
	ctx := context.Background()

	entries, err := c.ListDir(ctx, dir+"/")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "sub" {
		t.Fatalf("ListDir names = %v", names)
	}

	var visited []string
	err = c.Walk(ctx, dir+"/", func(d string, dirs, files []string) error {
		visited = append(visited, d)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(visited) < 2 {
		t.Fatalf("Walk visited %v, want at least 2 directories", visited)
	}
}

func TestClient_MakeDirsRmDirRmTree(t *testing.T) {
	dir := t.TempDir()
	c := NewClient()
	ctx := context.Background()

	sub := filepath.Join(dir, "newdir") + "/"
	if err := c.MakeDirs(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if ok, err := c.IsDir(ctx, sub); err != nil || !ok {
		t.Fatalf("IsDir(newdir) = %v, %v", ok, err)
	}

	if err := c.RmDir(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Exists(ctx, sub); ok {
		t.Fatal("expected newdir to be gone after RmDir")
	}

	writeFile(t, filepath.Join(dir, "tree", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "tree", "sub", "b.txt"), "b")
	treeDir := filepath.Join(dir, "tree") + "/"

	if err := c.RmDir(ctx, treeDir); err == nil {
		t.Fatal("expected RmDir on a non-empty directory to fail")
	} else {
		var notEmpty *DirectoryNotEmptyError
		if !errors.As(err, &notEmpty) {
			t.Fatalf("RmDir(non-empty) err = %v, want *DirectoryNotEmptyError", err)
		}
	}

	if err := c.RmTree(ctx, treeDir); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Exists(ctx, treeDir); ok {
		t.Fatal("expected tree to be gone after RmTree")
	}
}

func TestClient_RemoveRejectsDirectoryShapedPath(t *testing.T) {
	dir := t.TempDir()
	c := NewClient()
	ctx := context.Background()

	err := c.Remove(ctx, dir+"/")
	var isDir *IsADirectoryError
	if !errors.As(err, &isDir) {
		t.Fatalf("Remove(dir/) err = %v, want *IsADirectoryError", err)
	}
}

func TestClient_RemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	writeFile(t, file, "a")
	c := NewClient()
	ctx := context.Background()

	if err := c.Remove(ctx, file); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Exists(ctx, file); ok {
		t.Fatal("expected file to be gone after Remove")
	}
}

func TestClient_Glob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "b.log"), "b")

	c := NewClient()
	ctx := context.Background()

	matches, err := c.Glob(ctx, filepath.Join(dir, "*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || filepath.Base(matches[0]) != "a.txt" {
		t.Fatalf("Glob(*.txt) = %v", matches)
	}
}

func TestClient_CopyAndMD5(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, "copy me")

	c := NewClient()
	ctx := context.Background()

	if err := c.Copy(ctx, src, dst, false); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "copy me" {
		t.Fatalf("dst contents = %q", got)
	}

	srcSum, err := c.MD5(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	dstSum, err := c.MD5(ctx, dst)
	if err != nil {
		t.Fatal(err)
	}
	if srcSum != dstSum {
		t.Fatalf("MD5 mismatch after copy: src=%s dst=%s", srcSum, dstSum)
	}

	if err := c.Copy(ctx, src, dst, false); err == nil {
		t.Fatal("expected Copy without overwrite to fail when dst exists")
	}
}

// ListPrefixSharded fans a listing out across single-byte shard prefixes.
// Against the local backend a shard prefix is a literal one-character
// subdirectory name, so two such directories exercise the fan-out without
// relying on any flat-namespace prefix matching.
func TestClient_ListPrefixSharded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "foo.txt"), "foo")
	writeFile(t, filepath.Join(dir, "z", "bar.txt"), "bar")

	c := NewClient()
	ctx := context.Background()

	entries, err := c.ListPrefixSharded(ctx, dir+"/")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "bar.txt" || names[1] != "foo.txt" {
		t.Fatalf("ListPrefixSharded names = %v", names)
	}
}
