package codec

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// ContentType is the content type of every message this package encodes.
const ContentType = "application/json"

func malformed(text string) error {
	return failure.Permanent(failure.Wrap(exception.ErrMalformedMessage, text))
}

func encodeUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func requireString(name string, v *string) (string, error) {
	if v == nil {
		return "", malformed("missing field " + name)
	}
	return *v, nil
}

func requireNonEmpty(name string, v *string) (string, error) {
	s, err := requireString(name, v)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", malformed("empty field " + name)
	}
	return s, nil
}

func requireUint(name string, v *string) (uint64, error) {
	s, err := requireNonEmpty(name, v)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, malformed("field " + name + " is not a decimal uint64")
	}
	return n, nil
}

func requireBytes(name string, v *string) ([]byte, error) {
	s, err := requireNonEmpty(name, v)
	if err != nil {
		return nil, err
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, malformed("field " + name + " is not 0x hex")
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func requireHash(name string, v *string) ([32]byte, error) {
	var h [32]byte
	b, err := requireBytes(name, v)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, malformed("field " + name + " is not 32 bytes")
	}
	copy(h[:], b)
	return h, nil
}

func requireTime(name string, v *string) (time.Time, error) {
	s, err := requireNonEmpty(name, v)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, malformed("field " + name + " is not RFC 3339")
	}
	return t.UTC(), nil
}

func requireBool(name string, v *bool) (bool, error) {
	if v == nil {
		return false, malformed("missing field " + name)
	}
	return *v, nil
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
