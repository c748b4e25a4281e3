package metrics

import (
	"io"
	"net/http"
	"time"
)

type countingReadCloser struct {
	r       io.ReadCloser
	n       int64
	onClose func(total int64)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	i, err := c.r.Read(p)
	c.n += int64(i)
	return i, err
}

func (c *countingReadCloser) Close() error {
	err := c.r.Close()
	if c.onClose != nil {
		c.onClose(c.n)
		c.onClose = nil
	}
	return err
}

// Transport records one RequestEvent per round trip. Successful responses
// are recorded when their body is closed so byte counts are final.
type Transport struct {
	Base http.RoundTripper
	Agg  *Aggregator
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Agg == nil {
		return base.RoundTrip(req)
	}
	start := time.Now()
	var sent *countingReadCloser
	if req.Body != nil && req.Body != http.NoBody {
		sent = &countingReadCloser{r: req.Body}
		req.Body = sent
	}
	ev := RequestEvent{Host: req.URL.Hostname(), Method: req.Method, Path: req.URL.EscapedPath()}
	if ev.Path == "" {
		ev.Path = "/"
	}
	record := func(code int, received int64) {
		ev.Ts = time.Now().UTC()
		ev.Code = code
		ev.Ms = time.Since(start).Milliseconds()
		ev.BytesIn = received
		if sent != nil {
			ev.BytesOut = sent.n
		}
		t.Agg.Add(ev)
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		// code 0 marks upstream failures
		record(0, 0)
		return resp, err
	}
	if resp.Body == nil {
		record(resp.StatusCode, 0)
		return resp, nil
	}
	code := resp.StatusCode
	resp.Body = &countingReadCloser{r: resp.Body, onClose: func(total int64) { record(code, total) }}
	return resp, nil
}
