package digest

import (
	"crypto/md5"
	"testing"

	"github.com/spf13/afero"
)

func TestSumMatchesStdlibMD5(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := afero.WriteFile(fs, "/f.txt", content, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Sum(fs, "/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := md5.Sum(content)
	if got != want {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestSumEmptyFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/empty", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Sum(fs, "/empty")
	if err != nil {
		t.Fatal(err)
	}
	want := md5.Sum(nil)
	if got != want {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestSumMissingFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	if _, err := Sum(fs, "/nope"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
