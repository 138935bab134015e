package backend

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// CompositeETag computes the S3-style multipart ETag: the MD5 of the
// concatenated raw part digests, suffixed with the part count.
func CompositeETag(partETags []string) string {
	h := md5.New()
	for _, etag := range partETags {
		raw, err := hex.DecodeString(strings.Trim(etag, `"`))
		if err != nil {
			// Backends with non-MD5 tags contribute nothing.
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}
