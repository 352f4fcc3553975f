package sync

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultBatchSize is the chunk size used in batch mode when none is configured
	DefaultBatchSize = 50
	// MaxPackSize is the most stickers a pack may hold outside batch mode
	MaxPackSize = 120
	// MaxTitleLength is the longest allowed pack title, in characters
	MaxTitleLength = 50
)

// ErrInvalidPack is returned when a derived pack name or title breaks the
// remote naming rules
var ErrInvalidPack = errors.New("invalid pack name or title")

var (
	packNamePattern  = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	packTitlePattern = regexp.MustCompile("^[\\w\\s\\-@/\\[\\]\\(\\),.!?'\":;#&+={}<>~`$%^*|\\\\]+$")
)

// Plan splits the prepared images into chunks. In batch mode every chunk has
// at most batchSize images; otherwise a single chunk holds the first
// MaxPackSize images and the rest are dropped.
func Plan(images []string, batch bool, batchSize int) []Chunk {
	if len(images) == 0 {
		return nil
	}

	if !batch {
		n := min(len(images), MaxPackSize)
		return []Chunk{{
			Index:   1,
			Files:   append([]string(nil), images[:n]...),
			Through: n,
		}}
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	chunks := make([]Chunk, 0, (len(images)+batchSize-1)/batchSize)
	for start := 0; start < len(images); start += batchSize {
		end := min(start+batchSize, len(images))
		chunks = append(chunks, Chunk{
			Index:   len(chunks) + 1,
			Files:   append([]string(nil), images[start:end]...),
			Through: end,
		})
	}
	return chunks
}

// PackName derives the remote pack name for the chunk at index.
// For example: cats, 1, CatsBot -> cats_01_by_catsbot
func PackName(base string, index int, botUsername string) string {
	return fmt.Sprintf("%s_%02d_by_%s", base, index, strings.ToLower(botUsername))
}

// PackTitle derives the pack title showing progress through the image set
func PackTitle(base string, through, total int) string {
	return fmt.Sprintf("%s - %d/%d", base, through, total)
}

// ValidatePackName checks name against the remote naming rule
func ValidatePackName(name string) error {
	if !packNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q must be 1-64 lowercase letters, digits or underscores", ErrInvalidPack, name)
	}
	return nil
}

// ValidatePackTitle checks title length and characters
func ValidatePackTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n == 0 || n > MaxTitleLength {
		return fmt.Errorf("%w: title %q must be 1-%d characters", ErrInvalidPack, title, MaxTitleLength)
	}
	if !packTitlePattern.MatchString(title) {
		return fmt.Errorf("%w: title %q contains unsupported characters", ErrInvalidPack, title)
	}
	return nil
}
