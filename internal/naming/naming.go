// Package naming holds the pure filename policy: sanitization,
// collision disambiguation and the hidden-file deny list. No I/O.
package naming

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxNameBytes is the maximum stored length of a single path segment,
// measured in the storage encoding (bytes), not display glyphs.
const MaxNameBytes = 255

// Placeholder substitutes characters that have no ASCII equivalent.
const Placeholder = "_"

// FolderMarker is the zero-byte sentinel that keeps otherwise-empty
// collections listable.
const FolderMarker = ".folder"

// hiddenPrefixes is the fixed deny list of well-known OS artifacts.
// User-created dotfiles are NOT on this list and pass through.
var hiddenPrefixes = []string{".DS_Store", "._"}

// Sanitize transliterates a filename to its closest ASCII form,
// strips control characters and truncates to MaxNameBytes.
func Sanitize(name string) string {
	// Decompose so combining marks can be dropped, folding e.g.
	// "résumé" to "resume" rather than to placeholders.
	decomposed := norm.NFD.String(name)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from decomposition, drop
		case r < 0x20 || r == 0x7f || r == 0:
			// control character, drop
		case r == '/':
			// path separator never belongs in a segment
			b.WriteString(Placeholder)
		case r > unicode.MaxASCII:
			b.WriteString(Placeholder)
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if len(out) > MaxNameBytes {
		stem, ext := SplitExt(out)
		keep := MaxNameBytes - len(ext)
		if keep < 1 {
			// pathological extension, hard truncate
			return out[:MaxNameBytes]
		}
		out = stem[:min(len(stem), keep)] + ext
	}
	return out
}

// NextAvailableName returns desired if it is free, otherwise appends a
// numeric disambiguator before the extension: photo.jpg -> photo (1).jpg
// -> photo (2).jpg and so on. Deterministic and side-effect free; the
// caller supplies existing from a single consistent read.
func NextAvailableName(existing map[string]bool, desired string) string {
	if !existing[desired] {
		return desired
	}

	stem, ext := SplitExt(desired)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !existing[candidate] {
			return candidate
		}
	}
}

// IsHidden reports whether name is a platform sentinel file that must
// be dropped from listings and refused as upload content.
func IsHidden(name string) bool {
	if name == FolderMarker {
		return true
	}
	for _, prefix := range hiddenPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// SplitExt splits a filename into stem and extension. The extension
// includes the leading dot; dotfiles like ".gitignore" are treated as
// all stem.
func SplitExt(name string) (stem, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
