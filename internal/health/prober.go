package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

// Prober checks whether something answers on a local port. Any response
// counts as success; only transport failures are errors.
type Prober interface {
	Probe(ctx context.Context, port int) error
}

// HTTPProber issues one request to http://Host:port/.
type HTTPProber struct {
	Client *http.Client
	Method string // HEAD when empty
	Host   string // localhost when empty
}

func (p HTTPProber) Probe(ctx context.Context, port int) error {
	method := p.Method
	if method == "" {
		method = http.MethodHead
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	return nil
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, port int) error

func (f ProberFunc) Probe(ctx context.Context, port int) error { return f(ctx, port) }
