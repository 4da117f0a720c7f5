package fixtures

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// ProxyHeader is added to every request that passes through a
// RecordingProxy so the origin can tell proxied traffic apart.
const ProxyHeader = "X-Scalpel-Proxy"

// RecordingProxy is a forward HTTP proxy that remembers the URL of every
// request it relays. HTTPS is tunneled without interception.
type RecordingProxy struct {
	proxy  *goproxy.ProxyHttpServer
	server *httptest.Server
	logger *zap.Logger

	mu       sync.Mutex
	requests []string
}

// NewRecordingProxy starts a proxy on an ephemeral loopback port.
func NewRecordingProxy(logger *zap.Logger) *RecordingProxy {
	p := &RecordingProxy{
		proxy:  goproxy.NewProxyHttpServer(),
		logger: logger.Named("recording_proxy"),
	}
	p.proxy.Logger = zap.NewStdLog(p.logger)
	p.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(p.handleConnect))
	p.proxy.OnRequest().DoFunc(p.handleRequest)
	p.server = httptest.NewServer(p.proxy)
	p.logger.Debug("Recording proxy started.", zap.String("url", p.server.URL))
	return p
}

func (p *RecordingProxy) record(target string) {
	p.mu.Lock()
	p.requests = append(p.requests, target)
	p.mu.Unlock()
}

func (p *RecordingProxy) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	p.record("CONNECT " + host)
	return goproxy.OkConnect, host
}

func (p *RecordingProxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	p.record(r.URL.String())
	r.Header.Set(ProxyHeader, "1")
	p.logger.Debug("Proxied request.", zap.String("method", r.Method), zap.String("url", r.URL.String()))
	return r, nil
}

// URL returns the proxy address in the form browsers expect.
func (p *RecordingProxy) URL() string {
	return p.server.URL
}

// Requests returns the relayed request URLs in arrival order.
func (p *RecordingProxy) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// Reset forgets the recorded requests.
func (p *RecordingProxy) Reset() {
	p.mu.Lock()
	p.requests = nil
	p.mu.Unlock()
}

// Close stops the proxy.
func (p *RecordingProxy) Close() {
	p.server.Close()
}
