package objectstore

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// Checksum types.
const (
	ChecksumDisabled = "DISABLED"
	ChecksumMD5      = "MD5"
	ChecksumSHA1     = "SHA-1"
	ChecksumSHA256   = "SHA-256"
	ChecksumSHA384   = "SHA-384"
	ChecksumSHA512   = "SHA-512"
)

// newDigest returns a hash for checksumType, or nil when checksums are
// disabled for the version.
func newDigest(checksumType string) (hash.Hash, error) {
	switch strings.ToUpper(checksumType) {
	case "", ChecksumDisabled:
		return nil, nil
	case ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA1, "SHA1":
		return sha1.New(), nil
	case ChecksumSHA256, "SHA256":
		return sha256.New(), nil
	case ChecksumSHA384, "SHA384":
		return sha512.New384(), nil
	case ChecksumSHA512, "SHA512":
		return sha512.New(), nil
	}
	return nil, validationf("unsupported checksum type %q", checksumType)
}

// checkDigest returns the hex digest accumulated in h. It fails if v declares
// a different checksum.
func checkDigest(v *DatastreamVersion, h hash.Hash) (string, error) {
	sum := hex.EncodeToString(h.Sum(nil))
	if v.Checksum != "" && !strings.EqualFold(v.Checksum, "none") && !strings.EqualFold(v.Checksum, sum) {
		return "", &DatastreamError{DatastreamID: v.DatastreamID, Op: "checksum", Err: ErrChecksumMismatch}
	}
	return sum, nil
}
