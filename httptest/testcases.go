// Package httptest runs HTTP test cases described in YAML against a server.
package httptest

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

// EndpointEnv overrides the default base URL of test cases.
const EndpointEnv = "ONFINISHED_TEST_ENDPOINT"

const defaultBaseURL = "http://127.0.0.1:10000"

type TestCases []Case

type Case struct {
	Name   string `json:"name"`
	Input  Input  `json:"input"`
	Expect Expect `json:"expect"`
	retry  Retry
	url    string
}

type Retry struct {
	MaxAttempts int           // Maximum number of retries
	WaitMin     time.Duration // Minimum time to wait
	WaitMax     time.Duration // Maximum time to wait

	// PostHook is called with the outcome of every failed attempt. Returning
	// false stops retrying.
	PostHook func(Actual) bool
}

type Options interface {
	apply(*Case)
}

type optionFunc func(*Case)

func (f optionFunc) apply(v *Case) {
	f(v)
}

func WithRetry(r Retry) Options {
	return optionFunc(func(c *Case) {
		c.retry = r
	})
}

// WithURL sets the base URL requests are sent to.
func WithURL(url string) Options {
	return optionFunc(func(c *Case) {
		c.url = url
	})
}

func (c Case) Run(t *testing.T, opts ...Options) {
	for _, opt := range opts {
		opt.apply(&c)
	}
	t.Run(c.Name, func(t *testing.T) {
		var err error
		for attempt := 0; attempt <= c.retry.MaxAttempts; attempt++ {
			got := httpCall(t, c)
			err = c.Expect.Assert(got)
			if err == nil {
				break
			}
			if c.retry.PostHook != nil && !c.retry.PostHook(got) {
				break
			}
			if attempt == c.retry.MaxAttempts {
				break
			}
			mult := math.Pow(2, float64(attempt)) * float64(c.retry.WaitMin)
			sleep := time.Duration(mult)
			if float64(sleep) != mult || sleep > c.retry.WaitMax {
				sleep = c.retry.WaitMax
			}
			t.Logf("test %q failed, attempt %d/%d. Retrying in %v", c.Name, attempt, c.retry.MaxAttempts, sleep)
			time.Sleep(sleep)
		}
		require.NoError(t, err)
	})
}

func (cases TestCases) Run(t *testing.T, opts ...Options) {
	for _, tt := range cases {
		tt.Run(t, opts...)
	}
}

type Input struct {
	Method  string  `json:"method"`
	Path    string  `json:"path"`
	Headers Headers `json:"headers"`
	Body    string  `json:"body"`
}

type Headers []HeaderValue

type HeaderValue struct {
	Key   string `json:"name"`
	Value string `json:"value"`
}

type Actual struct {
	Status          int
	ResponseHeaders http.Header
	RequestHeaders  http.Header
	RequestState    string
	Body            string
}

type Expect struct {
	Status          int           `json:"status"`
	RequestHeaders  []HeaderMatch `json:"requestHeaders"`
	ResponseHeaders []HeaderMatch `json:"responseHeaders"`
	ResponseBody    *StringMatch  `json:"responseBody"`
	// RequestState matches the finished state the echo server reported for
	// the request.
	RequestState *StringMatch `json:"requestState"`
}

func (e Expect) Assert(actual Actual) error {
	if e.Status != 0 && e.Status != actual.Status {
		return fmt.Errorf("status should be %d and it is %d", e.Status, actual.Status)
	}
	for _, h := range e.RequestHeaders {
		if !h.Assert(actual.RequestHeaders.Values(h.Name)...) {
			return fmt.Errorf("header match fail: request header %q should match %q header values with %q=%q and its values are %q", h.Name, cmp.Or(h.MatchAction, MatchActionFirst), h.MatchType(), h.MatchValue(), actual.RequestHeaders.Values(h.Name))
		}
	}
	for _, h := range e.ResponseHeaders {
		if !h.Assert(actual.ResponseHeaders.Values(h.Name)...) {
			return fmt.Errorf("header match fail: response header %q should match %q header values with %q=%q and its values are %q", h.Name, cmp.Or(h.MatchAction, MatchActionFirst), h.MatchType(), h.MatchValue(), actual.ResponseHeaders.Values(h.Name))
		}
	}
	if e.ResponseBody != nil && !e.ResponseBody.Assert(actual.Body) {
		return fmt.Errorf("response body should match %q=%q and its content is \n%q", e.ResponseBody.MatchType(), e.ResponseBody.MatchValue(), actual.Body)
	}
	if e.RequestState != nil && !e.RequestState.Assert(actual.RequestState) {
		return fmt.Errorf("request state should match %q=%q and it is %q", e.RequestState.MatchType(), e.RequestState.MatchValue(), actual.RequestState)
	}
	return nil
}

type HeaderMatch struct {
	Name string `json:"name"`
	StringMatch
}

func httpCall(t *testing.T, tt Case) Actual {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer httpClient.CloseIdleConnections()

	baseURL := cmp.Or(tt.url, os.Getenv(EndpointEnv), defaultBaseURL)
	var body io.Reader
	if tt.Input.Body != "" {
		body = strings.NewReader(tt.Input.Body)
	}
	req, err := http.NewRequest(cmp.Or(tt.Input.Method, http.MethodGet), baseURL+tt.Input.Path, body)
	require.NoError(t, err)
	for _, header := range tt.Input.Headers {
		if strings.EqualFold(header.Key, "host") {
			req.Host = header.Value
			continue
		}
		req.Header.Add(header.Key, header.Value)
	}

	res, err := httpClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	actual := Actual{
		Status:          res.StatusCode,
		ResponseHeaders: res.Header,
		RequestHeaders:  http.Header{},
		Body:            string(raw),
	}
	// echo's /headers payload
	var echoed struct {
		Headers map[string]string `json:"headers"`
		State   string            `json:"state"`
	}
	if res.StatusCode == http.StatusOK && json.Unmarshal(raw, &echoed) == nil {
		for k, v := range echoed.Headers {
			actual.RequestHeaders.Add(k, v)
		}
		actual.RequestState = echoed.State
	}
	return actual
}

// Load reads the test cases of a YAML file, rendering it as a text/template
// with data first. Documents are separated by "---".
func Load(t *testing.T, path string, data any) TestCases {
	t.Helper()
	if testing.Short() {
		t.Skip()
	}
	tmpl, err := template.ParseFiles(path)
	require.NoError(t, err)
	b := &bytes.Buffer{}
	require.NoError(t, tmpl.Execute(b, data))

	var cases TestCases
	for _, doc := range bytes.Split(b.Bytes(), []byte("\n---")) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		var c Case
		require.NoError(t, yaml.UnmarshalStrict(doc, &c), "parsing %s", path)
		cases = append(cases, c)
	}
	return cases
}
