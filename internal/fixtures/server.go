// Package fixtures serves the pages the driver's integration tests and the
// serve command run against.
package fixtures

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed pages/*.html
var pages embed.FS

// Default delays of the slow routes.
const (
	defaultSlowDelay  = time.Second
	defaultFrameDelay = time.Second
)

// Server is a fixture site on an ephemeral loopback port.
type Server struct {
	srv    *httptest.Server
	logger *zap.Logger
}

// NewServer starts a fixture server. Close it when done.
func NewServer(logger *zap.Logger) *Server {
	s := &Server{logger: logger.Named("fixtures")}
	s.srv = httptest.NewServer(NewHandler(s.logger))
	s.logger.Debug("Fixture server started.", zap.String("url", s.srv.URL))
	return s
}

// URL returns the absolute URL of path on the server.
func (s *Server) URL(path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.srv.URL + path
}

// Host returns the server's host:port.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

// Close shuts the server down and blocks until outstanding requests finish.
func (s *Server) Close() {
	s.srv.Close()
}

// NewHandler builds the fixture router.
func NewHandler(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(Compress())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/static/index.html", http.StatusFound)
	})
	r.Get("/static/{page}", handlePage)
	r.Get("/slow", handleSlow)
	r.Get("/status/{code}", handleStatus)
	r.Get("/headers", handleHeaders)
	r.Get("/set_cookie", handleSetCookie)
	r.Get("/get_cookie", handleGetCookie)
	r.Get("/redirect", handleRedirect)
	r.Get("/frame_slow", handleFrameSlow)
	return r
}

// requestLogger logs every request at debug level with its status.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Served fixture request.",
				zap.String("method", r.Method),
				zap.String("path", r.URL.RequestURI()),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func simplePage(title, body string) string {
	return "<!DOCTYPE html><html><head><title>" + html.EscapeString(title) + "</title></head><body>" + body + "</body></html>"
}

// delayParam reads a delay in milliseconds from the ms query parameter.
func delayParam(r *http.Request, fallback time.Duration) time.Duration {
	ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func sleep(r *http.Request, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.Context().Done():
		return false
	}
}

func handlePage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "page")
	body, err := fs.ReadFile(pages, "pages/"+name)
	if err != nil {
		writeHTML(w, http.StatusNotFound, simplePage("Not Found", "<h1>Not Found</h1>"))
		return
	}
	writeHTML(w, http.StatusOK, string(body))
}

func handleSlow(w http.ResponseWriter, r *http.Request) {
	d := delayParam(r, defaultSlowDelay)
	if !sleep(r, d) {
		return
	}
	writeHTML(w, http.StatusOK, simplePage("Slow", fmt.Sprintf(`<h1 id="slow">Finally, after %s</h1>`, d)))
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 100 || code > 599 {
		http.Error(w, "bad status code", http.StatusBadRequest)
		return
	}
	if !bodyAllowed(code) {
		w.WriteHeader(code)
		return
	}
	writeHTML(w, code, simplePage(http.StatusText(code), fmt.Sprintf(`<h1 id="status">%d %s</h1>`, code, html.EscapeString(http.StatusText(code)))))
}

// handleHeaders echoes the request headers as JSON in a <pre id="headers">.
func handleHeaders(w http.ResponseWriter, r *http.Request) {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(headers, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeHTML(w, http.StatusOK, simplePage("Headers", `<pre id="headers">`+html.EscapeString(string(out))+`</pre>`))
}

func handleSetCookie(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		name = "fixture"
	}
	http.SetCookie(w, &http.Cookie{Name: name, Value: q.Get("value"), Path: "/"})
	writeHTML(w, http.StatusOK, simplePage("Cookie set", `<p id="result">Cookie set</p>`))
}

func handleGetCookie(w http.ResponseWriter, r *http.Request) {
	cookies := r.Cookies()
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	sort.Strings(pairs)
	writeHTML(w, http.StatusOK, simplePage("Cookies", `<pre id="cookies">`+html.EscapeString(strings.Join(pairs, "; "))+`</pre>`))
}

func handleRedirect(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		to = "/static/index.html"
	}
	http.Redirect(w, r, to, http.StatusFound)
}

// handleFrameSlow serves an iframe document after a delay.
func handleFrameSlow(w http.ResponseWriter, r *http.Request) {
	if !sleep(r, delayParam(r, defaultFrameDelay)) {
		return
	}
	writeHTML(w, http.StatusOK, simplePage("Slow frame", `<h1 id="slow-heading">Slow frame</h1>`))
}
