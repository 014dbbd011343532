// Package object computes the content hashes a git-backed contents API
// assigns to files, so local bytes can be compared with a recorded remote
// hash without a network round trip.
package object

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Hash is a lowercase hex-encoded object id.
type Hash string

// HashObject computes the SHA-1 of the envelope "type len\0content",
// which is how git names loose objects.
func HashObject(objType string, data []byte) Hash {
	header := fmt.Sprintf("%s %d\x00", objType, len(data))
	h := sha1.New()
	h.Write([]byte(header))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// HashBlob returns the blob id of data.
func HashBlob(data []byte) Hash {
	return HashObject("blob", data)
}

// HashFile returns the blob id of the file at path.
func HashFile(path string) (Hash, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashBlob(data), nil
}

// Matches reports whether h names the same object as other, ignoring case
// and surrounding space.
func (h Hash) Matches(other string) bool {
	a := strings.ToLower(strings.TrimSpace(string(h)))
	b := strings.ToLower(strings.TrimSpace(other))
	return a != "" && a == b
}
