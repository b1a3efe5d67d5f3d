package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain ascii unchanged", "report.pdf", "report.pdf"},
		{"diacritics folded", "résumé.doc", "resume.doc"},
		{"non-latin replaced", "写真.jpg", "__.jpg"},
		{"control chars stripped", "bad\x00\x1fname.txt", "badname.txt"},
		{"separator replaced", "a/b.txt", "a_b.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeTruncatesKeepingExtension(t *testing.T) {
	long := strings.Repeat("a", 300) + ".jpg"
	got := Sanitize(long)

	assert.Len(t, got, MaxNameBytes)
	assert.True(t, strings.HasSuffix(got, ".jpg"))
}

func TestNextAvailableName(t *testing.T) {
	existing := map[string]bool{
		"a.txt":     true,
		"a (1).txt": true,
	}

	assert.Equal(t, "a (2).txt", NextAvailableName(existing, "a.txt"))
	assert.Equal(t, "b.txt", NextAvailableName(existing, "b.txt"))
}

func TestNextAvailableNameNoExtension(t *testing.T) {
	existing := map[string]bool{"notes": true}
	assert.Equal(t, "notes (1)", NextAvailableName(existing, "notes"))
}

func TestNextAvailableNameDeterministic(t *testing.T) {
	existing := map[string]bool{"photo.jpg": true}

	first := NextAvailableName(existing, "photo.jpg")
	second := NextAvailableName(existing, "photo.jpg")

	assert.Equal(t, "photo (1).jpg", first)
	assert.Equal(t, first, second)
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden(".DS_Store"))
	assert.True(t, IsHidden(".DS_Store_backup"))
	assert.True(t, IsHidden("._resource_fork"))
	assert.True(t, IsHidden(".folder"))

	// user dotfiles are not platform artifacts
	assert.False(t, IsHidden(".gitignore"))
	assert.False(t, IsHidden(".env"))
	assert.False(t, IsHidden("normal.txt"))
}

func TestSplitExt(t *testing.T) {
	stem, ext := SplitExt("archive.tar.gz")
	assert.Equal(t, "archive.tar", stem)
	assert.Equal(t, ".gz", ext)

	stem, ext = SplitExt(".gitignore")
	assert.Equal(t, ".gitignore", stem)
	assert.Equal(t, "", ext)

	stem, ext = SplitExt("plain")
	assert.Equal(t, "plain", stem)
	assert.Equal(t, "", ext)
}
