package images

import (
	"os"
	"path/filepath"
	"strings"
)

// ReadyExtension is the extension of images already in sticker format
const ReadyExtension = ".webp"

// ConvertibleExtensions are the source formats the converter accepts
var ConvertibleExtensions = []string{
	".png",
	".jpg",
	".jpeg",
}

// IsReady returns true if the file is already in sticker format
func IsReady(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ReadyExtension)
}

// IsConvertible returns true if the file has a supported source extension
func IsConvertible(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range ConvertibleExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// OutputName returns the prepared file name for a source image name.
// For example: cat.PNG -> cat.webp
func OutputName(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ReadyExtension
}

// ListFiles returns the regular, non-hidden files directly inside dir in
// directory-enumeration order. Subdirectories are not descended into.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		// Skip hidden files (e.g. .DS_Store, temp files from an interrupted write)
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}
