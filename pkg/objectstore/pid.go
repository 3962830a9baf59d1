package objectstore

import (
	"fmt"
	"strings"
)

// MaxPIDLength bounds the full identifier, namespace and separator included.
const MaxPIDLength = 64

// MaxDatastreamIDLength bounds datastream ids.
const MaxDatastreamIDLength = 64

// SplitPID validates pid and returns its namespace and object id.
func SplitPID(pid string) (namespace, id string, err error) {
	if len(pid) > MaxPIDLength {
		return "", "", fmt.Errorf("%w: %q is longer than %d characters", ErrMalformedPID, pid, MaxPIDLength)
	}
	i := strings.IndexByte(pid, ':')
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q has no namespace separator", ErrMalformedPID, pid)
	}
	namespace, id = pid[:i], pid[i+1:]
	if err := ValidateNamespace(namespace); err != nil {
		return "", "", err
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: %q has an empty object id", ErrMalformedPID, pid)
	}
	for j := 0; j < len(id); j++ {
		c := id[j]
		switch {
		case isAlnum(c), c == '-', c == '.', c == '~', c == '_':
		case c == '%' && j+2 < len(id) && isHex(id[j+1]) && isHex(id[j+2]):
			j += 2
		default:
			return "", "", fmt.Errorf("%w: %q has an invalid character at %d", ErrMalformedPID, pid, i+1+j)
		}
	}
	return namespace, id, nil
}

// ValidatePID reports whether pid is a well-formed identifier.
func ValidatePID(pid string) error {
	_, _, err := SplitPID(pid)
	return err
}

// ValidateNamespace reports whether ns may be used as a namespace.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("%w: empty namespace", ErrMalformedPID)
	}
	for j := 0; j < len(ns); j++ {
		c := ns[j]
		if !isAlnum(c) && c != '-' && c != '.' {
			return fmt.Errorf("%w: namespace %q has an invalid character at %d", ErrMalformedPID, ns, j)
		}
	}
	return nil
}

// ValidateDatastreamID reports whether id is usable as a datastream id: an
// XML name without colons.
func ValidateDatastreamID(id string) error {
	if id == "" || len(id) > MaxDatastreamIDLength {
		return validationf("datastream id %q must be 1 to %d characters", id, MaxDatastreamIDLength)
	}
	for i, r := range id {
		start := r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || r > 0x7f
		if i == 0 && !start {
			return validationf("datastream id %q must start with a letter or underscore", id)
		}
		if !start && r != '-' && r != '.' && !('0' <= r && r <= '9') {
			return validationf("datastream id %q has an invalid character %q", id, r)
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('A' <= c && c <= 'F')
}
