// Package fetch implements the consumer side of the shuffle: a bounded pool of
// copiers pulls partition segments from producer hosts, lands them in memory or
// on local disk under a memory budget, and merges them into sorted partitions.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/ext/shuffle/wire"
	"github.com/NVIDIA/aishuffle/tracing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
)

const (
	dfltKeepaliveTCP    = 30 * time.Second
	dfltIdleConnTimeout = 30 * time.Second
	dfltReadBufferSize  = 64 * cos.KiB
	tokenTTL            = 24 * time.Hour
	tokenIssuer         = "aishuffle"
)

// interface guard
var (
	_ Client = (*httpClient)(nil)
	_ Client = (*fastClient)(nil)
)

type (
	Request struct {
		URL   string
		Token string // bearer token (optional)
		Close bool   // do not reuse the connection
	}
	Response struct {
		Body io.ReadCloser
		// the server asked not to reuse the connection
		NoKeepAlive bool
	}

	// Client issues a fetch request and returns the (streaming) response body;
	// all failures are transient
	Client interface {
		Do(ctx context.Context, req *Request) (*Response, error)
	}

	httpClient struct {
		client *http.Client
	}
	fastClient struct {
		client *fasthttp.Client
		conns  sync.Map // local address => *fastConn
	}
	fastBody struct {
		io.Reader
		resp *fasthttp.Response
		stop func() bool // unregisters the abort callback
	}
	// fasthttp reads are not context-aware: the conn is tracked so that
	// canceling the request can close it under a blocked body read
	fastConn struct {
		net.Conn
		conns *sync.Map
		key   string
	}

	// resets the read deadline upon every read: a read that makes no progress
	// within the timeout fails (stalled connection)
	deadlineConn struct {
		net.Conn
		timeout time.Duration
	}
)

// NewClient returns the client selected by shuffle.client
func NewClient(conf *cmn.ShuffleConf) Client {
	if conf.Client == cmn.ClientFastHTTP {
		return newFastClient(conf)
	}
	return newHTTPClient(conf)
}

func scheme(conf *cmn.ShuffleConf) string {
	if conf.EnableSSL {
		return "https"
	}
	return "http"
}

func newTLS(conf *cmn.ShuffleConf) *tls.Config {
	if !conf.EnableSSL {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: conf.SkipVerify} //nolint:gosec // configurable
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func withDeadline(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &deadlineConn{Conn: conn, timeout: timeout}
}

func statusErr(code int, url string) error {
	return fmt.Errorf("GET %s: status %d (%s)", url, code, http.StatusText(code))
}

////////////////
// httpClient //
////////////////

func newHTTPClient(conf *cmn.ShuffleConf) *httpClient {
	var (
		readTimeout = conf.ReadTimeout.D()
		dialer      = &net.Dialer{Timeout: conf.ConnectTimeout.D(), KeepAlive: dfltKeepaliveTCP}
		bufSize     = cos.NonZero(int(conf.BufferSize), int(dfltReadBufferSize))
	)
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return withDeadline(conn, readTimeout), nil
		},
		TLSClientConfig:       newTLS(conf),
		TLSHandshakeTimeout:   conf.ConnectTimeout.D(),
		ResponseHeaderTimeout: readTimeout,
		DisableCompression:    true, // IFile streams are compressed (or not) end-to-end
		DisableKeepAlives:     !conf.KeepAlive,
		IdleConnTimeout:       dfltIdleConnTimeout,
		ReadBufferSize:        bufSize,
		WriteBufferSize:       bufSize,
	}
	if conf.KeepAlive {
		transport.MaxConnsPerHost = conf.KeepAliveMaxConns
		transport.MaxIdleConnsPerHost = conf.KeepAliveMaxConns
	}
	return &httpClient{client: tracing.NewTraceableClient(&http.Client{Transport: transport})}
}

func (c *httpClient) Do(ctx context.Context, req *Request) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	if req.Token != "" {
		hreq.Header.Set(wire.HdrAuthorization, "Bearer "+req.Token)
	}
	hreq.Close = req.Close
	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		cos.DrainReader(resp.Body)
		resp.Body.Close()
		return nil, statusErr(resp.StatusCode, req.URL)
	}
	return &Response{Body: resp.Body, NoKeepAlive: noKeepAlive(resp.Header.Get(wire.HdrKeepAlive))}, nil
}

func noKeepAlive(v string) bool { return strings.EqualFold(strings.TrimSpace(v), "false") }

////////////////
// fastClient //
////////////////

func newFastClient(conf *cmn.ShuffleConf) *fastClient {
	var (
		readTimeout    = conf.ReadTimeout.D()
		connectTimeout = conf.ConnectTimeout.D()
		maxConns       = conf.ParallelCopies
	)
	if conf.KeepAlive {
		maxConns = conf.KeepAliveMaxConns
	}
	c := &fastClient{}
	c.client = &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			conn, err := fasthttp.DialTimeout(addr, connectTimeout)
			if err != nil {
				return nil, err
			}
			fc := &fastConn{Conn: withDeadline(conn, readTimeout), conns: &c.conns, key: conn.LocalAddr().String()}
			c.conns.Store(fc.key, fc)
			return fc, nil
		},
		TLSConfig:           newTLS(conf),
		MaxConnsPerHost:     maxConns,
		MaxIdleConnDuration: dfltIdleConnTimeout,
		ReadBufferSize:      int(dfltReadBufferSize), // (includes response headers)
		WriteBufferSize:     cos.NonZero(int(conf.BufferSize), 4*cos.KiB),
		StreamResponseBody:  true,
	}
	return c
}

func (fc *fastConn) Close() error {
	fc.conns.CompareAndDelete(fc.key, fc)
	return fc.Conn.Close()
}

// closes the response's connection once ctx is done
func (c *fastClient) closeOnCancel(ctx context.Context, resp *fasthttp.Response) func() bool {
	laddr := resp.LocalAddr()
	if laddr == nil {
		return nil
	}
	v, ok := c.conns.Load(laddr.String())
	if !ok {
		return nil
	}
	fc := v.(*fastConn)
	return context.AfterFunc(ctx, func() { fc.Close() })
}

func (c *fastClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	freq, resp := fasthttp.AcquireRequest(), fasthttp.AcquireResponse()
	freq.Header.SetMethod(http.MethodGet)
	freq.SetRequestURI(req.URL)
	if req.Token != "" {
		freq.Header.Set(wire.HdrAuthorization, "Bearer "+req.Token)
	}
	if req.Close {
		freq.SetConnectionClose()
	}
	err := c.client.Do(freq, resp)
	fasthttp.ReleaseRequest(freq)
	if err != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, err
	}
	if code := resp.StatusCode(); code != http.StatusOK {
		resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
		return nil, statusErr(code, req.URL)
	}
	body := resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(resp.Body())
	}
	return &Response{
		Body:        &fastBody{Reader: body, resp: resp, stop: c.closeOnCancel(ctx, resp)},
		NoKeepAlive: noKeepAlive(string(resp.Header.Peek(wire.HdrKeepAlive))),
	}, nil
}

func (b *fastBody) Close() error {
	if b.resp == nil {
		return nil
	}
	if b.stop != nil {
		b.stop()
	}
	err := b.resp.CloseBodyStream()
	fasthttp.ReleaseResponse(b.resp)
	b.resp = nil
	return err
}

//
// auth
//

// NewToken returns an HS256-signed bearer token for the given attempt; the secret
// is the (trimmed) content of the credentials file
func NewToken(credentialsPath, attempt string) (string, error) {
	secret, err := os.ReadFile(credentialsPath)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		return "", fmt.Errorf("empty credentials %q", credentialsPath)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   attempt,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken is the serving side of NewToken
func ValidateToken(tokenStr string, secret []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
