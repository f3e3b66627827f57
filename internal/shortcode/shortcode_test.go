package shortcode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func TestGenerate(t *testing.T) {
	t.Run("fixed length and alphabet", func(t *testing.T) {
		for _, longURL := range []string{
			"https://example.com",
			"https://www.example.com/some/long/path?q=1",
			"http://localhost:8080/x",
		} {
			code, err := Generate(longURL)

			assert.NoError(t, err)
			assert.Len(t, code, Length)

			for _, r := range code {
				assert.Contains(t, base64URLAlphabet, string(r))
			}
		}
	})

	t.Run("unique per timestamp", func(t *testing.T) {
		a, err := Generate("https://example.com")
		assert.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		b, err := Generate("https://example.com")
		assert.NoError(t, err)

		assert.NotEqual(t, a, b)
	})

	t.Run("malformed url", func(t *testing.T) {
		for _, longURL := range []string{
			"this aint no url",
			"",
			"/relative/path",
			"example.com/no-scheme",
		} {
			code, err := Generate(longURL)

			assert.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidURL)
			assert.Empty(t, code)
		}
	})
}
