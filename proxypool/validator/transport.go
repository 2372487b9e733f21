package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"liuproxy_keeper/proxypool/model"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// newTransport 为单次探测构造一个一次性的 Transport。
// 每个协议都必须在 switch 中有对应分支。
func newTransport(spec model.ProxySpec, connectTimeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: connectTimeout,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        1,
	}

	switch spec.Scheme {
	case model.SchemeHTTP, model.SchemeHTTPS:
		transport.Proxy = http.ProxyURL(spec.URL())
	case model.SchemeSOCKS5:
		dial, err := socks5Dial(spec, dialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = resolveLocally(dial)
	case model.SchemeSOCKS5H:
		dial, err := socks5Dial(spec, dialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
	case model.SchemeSOCKS4, model.SchemeSOCKS4A:
		transport.DialContext = socks4Dial(spec, connectTimeout)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", spec.Scheme)
	}
	return transport, nil
}

func socks5Dial(spec model.ProxySpec, forward *net.Dialer) (dialFunc, error) {
	var auth *proxy.Auth
	if spec.HasAuth() {
		auth = &proxy.Auth{User: spec.Username, Password: spec.Password}
	}
	d, err := proxy.SOCKS5("tcp", spec.Address(), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return cd.DialContext, nil
}

// resolveLocally 在本地解析目标域名后再交给代理，对应 socks5（非 socks5h）语义。
func resolveLocally(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) == nil {
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no addresses for %s", host)
			}
			chosen := ips[0].IP
			for _, ip := range ips {
				if ip.IP.To4() != nil {
					chosen = ip.IP
					break
				}
			}
			addr = net.JoinHostPort(chosen.String(), port)
		}
		return dial(ctx, network, addr)
	}
}

// socks4Dial wraps h12.io/socks, which has no context support, so that a
// cancelled probe returns immediately and the late connection is closed.
func socks4Dial(spec model.ProxySpec, timeout time.Duration) dialFunc {
	u := &url.URL{Scheme: spec.Scheme.String(), Host: spec.Address()}
	if spec.Username != "" {
		u.User = url.User(spec.Username)
	}
	q := url.Values{}
	q.Set("timeout", timeout.String())
	u.RawQuery = q.Encode()
	dial := socks.Dial(u.String())

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			conn, err := dial(network, addr)
			ch <- result{conn, err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-ch; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}
