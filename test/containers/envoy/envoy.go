// Package envoy runs an Envoy proxy in a container, wired with the ext_proc
// filter to the gRPC server on host port 8081 and routing to the echo server
// on host port 8080.
package envoy

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"net/url"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultImage is an Envoy build known to work with envoy.yml.
const DefaultImage = "istio/proxyv2:1.24.2"

const listenerPort = "10000"

//go:embed envoy.yml
var config []byte

type TestContainer struct {
	testcontainers.Container
	request testcontainers.GenericContainerRequest
}

type TestContainerOption func(*testcontainers.GenericContainerRequest)

// WithConfig replaces the embedded Envoy configuration.
func WithConfig(b []byte) TestContainerOption {
	return func(r *testcontainers.GenericContainerRequest) {
		r.Files = []testcontainers.ContainerFile{{
			ContainerFilePath: "/etc/envoy/envoy.yml",
			Reader:            bytes.NewReader(b),
			FileMode:          0o644,
		}}
	}
}

// WithHostAccessPorts exposes these host ports to the proxy.
func WithHostAccessPorts(ports ...int) TestContainerOption {
	return func(r *testcontainers.GenericContainerRequest) {
		r.HostAccessPorts = ports
	}
}

func NewTestContainer(img string, opts ...TestContainerOption) *TestContainer {
	c := &TestContainer{
		request: testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:           img,
				Entrypoint:      []string{"/usr/local/bin/envoy", "--log-level", "warn", "-c", "/etc/envoy/envoy.yml"},
				ExposedPorts:    []string{listenerPort + "/tcp"},
				HostAccessPorts: []int{8080, 8081},
				ExtraHosts:      []string{fmt.Sprintf("%s:host-gateway", testcontainers.HostInternal)},
				WaitingFor:      wait.ForListeningPort(listenerPort + "/tcp"),
			},
			Started: true,
		},
	}
	WithConfig(config)(&c.request)
	for _, opt := range opts {
		opt(&c.request)
	}
	return c
}

// Run starts the container and returns the URL of the proxy listener.
func (c *TestContainer) Run(ctx context.Context) (*url.URL, error) {
	ctr, err := testcontainers.GenericContainer(ctx, c.request)
	c.Container = ctr
	if err != nil {
		return nil, fmt.Errorf("could not run container: %w", err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, listenerPort+"/tcp", "http")
	if err != nil {
		return nil, fmt.Errorf("could not get mapped port: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not parse url: %w", err)
	}
	return u, nil
}
