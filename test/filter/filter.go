// Package filtertest provides a filter configured from YAML, used to drive
// the ext_proc service in tests.
package filtertest

import (
	"context"
	"errors"
	"fmt"
	"os"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/onfinished-go/filter"
	"sigs.k8s.io/yaml"
)

type Configuration struct {
	RequestHeaders  Phase `json:"requestHeaders"`
	ResponseHeaders Phase `json:"responseHeaders"`
}

// Phase describes what the filter does in one headers phase. Error takes
// precedence over ImmediateResponse, which takes precedence over
// HeaderMutation.
type Phase struct {
	HeaderMutation    headerMutation     `json:"headerMutation"`
	ImmediateResponse *immediateResponse `json:"immediateResponse"`
	Error             string             `json:"error"`
}

type immediateResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

type headerMutation struct {
	RemoveHeader []string          `json:"remove"`
	SetHeader    map[string]string `json:"set"`
	AppendHeader map[string]string `json:"append"`
}

type Filter struct {
	Configuration Configuration
}

var _ filter.Filter = &Filter{}

func (f *Filter) RequestHeaders(ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return f.Configuration.RequestHeaders.apply(crw)
}

func (f *Filter) ResponseHeaders(ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return f.Configuration.ResponseHeaders.apply(crw)
}

func (p Phase) apply(crw *filter.CommonResponseWriter) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	if p.Error != "" {
		return nil, errors.New(p.Error)
	}
	if p.ImmediateResponse != nil {
		return filter.NewImmediateResponseBuilder().
			HTTPStatus(p.ImmediateResponse.Status).
			Body([]byte(p.ImmediateResponse.Body)).
			ImmediateResponse(), nil
	}
	crw.RemoveHeaders(p.HeaderMutation.RemoveHeader...)
	for k, v := range p.HeaderMutation.SetHeader {
		crw.SetHeader(k, v)
	}
	for k, v := range p.HeaderMutation.AppendHeader {
		crw.AppendHeader(k, v)
	}
	return nil, nil
}

func New(config []byte) (*Filter, error) {
	var cfg Configuration
	err := yaml.Unmarshal(config, &cfg)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal file: %w", err)
	}
	return &Filter{
		Configuration: cfg,
	}, nil
}

func NewFromFile(file string) (*Filter, error) {
	f, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("could not read file: %w", err)
	}
	return New(f)
}
