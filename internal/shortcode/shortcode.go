package shortcode

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrInvalidURL is returned when the destination does not parse as an
// absolute URL.
var ErrInvalidURL = errors.New("invalid destination url")

// Length is the number of characters in a generated short code:
// 8 digest bytes encoded with the padding-free URL-safe base64 alphabet.
const Length = 11

const prefixSize = 8

// Generate derives a short code for the given destination URL. The code
// is a URL-safe base64 encoding of the first 8 bytes of the SHA-256
// digest of the URL concatenated with the current nanosecond timestamp.
// Two calls for the same URL at different instants therefore yield
// different codes with overwhelming probability; calls within the same
// clock reading may collide.
func Generate(longURL string) (string, error) {
	const op = "shortcode.Generate"

	u, err := url.Parse(longURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%s: %q: %w", op, longURL, ErrInvalidURL)
	}

	sum := sha256.Sum256([]byte(longURL + strconv.FormatInt(time.Now().UnixNano(), 10)))

	return base64.RawURLEncoding.EncodeToString(sum[:prefixSize]), nil
}
