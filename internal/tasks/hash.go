package tasks

import (
	"crypto/md5"
	"encoding/hex"
)

// HashText returns the deduplication key for a piece of input text.
// MD5 is enough here: the digest only groups identical submissions, it is
// not a security boundary.
func HashText(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
