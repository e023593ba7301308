package broker

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"

	"aire/internal/config"
)

// DialFunc matches kafka.Dialer.DialFunc.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProxyDecision explains which proxy, if any, a host is reached through.
type ProxyDecision struct {
	URL    *url.URL
	Reason string
}

// ResolveProxy picks the proxy for host. FORCE_NO_PROXY wins over
// everything, then NO_PROXY, then the configured URL.
func ResolveProxy(cfg config.ProxyConfig, host string) ProxyDecision {
	if cfg.ForceNoProxy {
		return ProxyDecision{Reason: "force_no_proxy"}
	}
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return ProxyDecision{Reason: "no proxy configured"}
	}

	pc := &httpproxy.Config{
		HTTPProxy:  raw,
		HTTPSProxy: raw,
		NoProxy:    cfg.NoProxy,
	}
	target := &url.URL{Scheme: "https", Host: host}
	u, err := pc.ProxyFunc()(target)
	if err != nil {
		return ProxyDecision{Reason: fmt.Sprintf("invalid proxy url: %v", err)}
	}
	if u == nil {
		return ProxyDecision{Reason: "host matches no_proxy"}
	}
	if u.Hostname() == "" || u.Port() == "" {
		return ProxyDecision{Reason: "invalid proxy url: missing host or port"}
	}
	return ProxyDecision{URL: u, Reason: "proxy"}
}

// newProxyDialer returns a dial func that tunnels through proxyURL. http and
// https proxies use CONNECT; socks5 proxies use x/net/proxy.
func newProxyDialer(proxyURL *url.URL, timeout time.Duration) (DialFunc, error) {
	forward := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(proxyURL, forward)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		return cd.DialContext, nil
	case "http", "https", "":
		c := &connectDialer{proxyAddr: proxyURL.Host, forward: forward}
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			creds := proxyURL.User.Username() + ":" + password
			c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
		}
		return c.DialContext, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
}

// connectDialer opens an HTTP CONNECT tunnel to the target address.
type connectDialer struct {
	proxyAddr string
	auth      string
	forward   *net.Dialer
}

func (d *connectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach proxy %s: %w", d.proxyAddr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT to proxy: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	// The body of a CONNECT reply is the tunnel itself; it is never drained.
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s failed: %s", address, resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn drains bytes the proxy sent right after its CONNECT reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
