package fixtures

import (
	"compress/flate"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes are the content types the fixture site encodes.
var compressibleTypes = []string{
	"text/html",
	"text/plain",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/json",
}

// Compress returns middleware that encodes text responses with brotli, gzip
// or deflate, in that order of preference, when the client accepts one.
// Codings are picked by server preference; q-values are not weighed.
func Compress() func(http.Handler) http.Handler {
	c := middleware.NewCompressor(flate.DefaultCompression, compressibleTypes...)
	c.SetEncoder("br", func(w io.Writer, _ int) io.Writer {
		return brotli.NewWriterLevel(w, brotli.DefaultCompression)
	})
	return c.Handler
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
