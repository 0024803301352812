package calibre

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// addedIDsRe matches calibredb's "Added book ids: 1, 2" line. Older versions
// print "Added book id: 1"; merged adds print "Merged book ids: ...".
var addedIDsRe = regexp.MustCompile(`(?mi)^(?:Added|Merged) book ids?:\s*([0-9,\s]+)$`)

// ParseAddedIDs extracts book ids from calibredb add output. It tolerates
// single-id and multi-id forms and returns nil on anything unrecognized
// rather than failing; the caller re-queries the library instead.
func ParseAddedIDs(stdout string) []int {
	m := addedIDsRe.FindStringSubmatch(stdout)
	if m == nil {
		return nil
	}

	var ids []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

func extOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
