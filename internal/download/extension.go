package download

import (
	"path"
	"strings"
)

const defaultExtension = "dat"

// GuessExtension picks the cache file extension from a game path such as
// "chara/equipment/e0001/model/c0101e0001_top.mdl". Anything that does not
// look like a short alphanumeric extension maps to "dat".
func GuessExtension(gamePath string) string {
	gamePath = strings.ReplaceAll(gamePath, "\\", "/")
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(gamePath), "."))
	if ext == "" || len(ext) > 8 {
		return defaultExtension
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return defaultExtension
		}
	}
	return ext
}
