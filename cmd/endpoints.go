package cmd

import (
	"context"
	"io"
	"net"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline"
	"github.com/cyntrisec/confidential-ml-pipeline/pipeline/transport"
)

// dialPort connects to an endpoint under the retry policy.
func dialPort(ctx context.Context, spec pipeline.PortSpec, policy transport.RetryPolicy) (net.Conn, error) {
	switch spec.Kind {
	case pipeline.PortTCP:
		return transport.DialTCP(ctx, spec.Addr, policy)
	case pipeline.PortVSock:
		return transport.DialVSock(ctx, spec.CID, spec.Port, policy)
	default:
		return nil, pipeline.Errorf(pipeline.KindConfig, "cannot dial transport kind %q", spec.Kind)
	}
}

// listenPort binds a listener for an endpoint.
func listenPort(spec pipeline.PortSpec) (net.Listener, error) {
	switch spec.Kind {
	case pipeline.PortTCP:
		return transport.ListenTCP(spec.Addr)
	case pipeline.PortVSock:
		return transport.ListenVSock(spec.Port)
	default:
		return nil, pipeline.Errorf(pipeline.KindConfig, "cannot listen on transport kind %q", spec.Kind)
	}
}

// acceptSupplier lazily binds a listener and accepts one peer when invoked.
// Stage data listeners must not bind before EstablishDataChannels arrives.
func acceptSupplier(spec pipeline.PortSpec) pipeline.ConnSupplier {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		l, err := listenPort(spec)
		if err != nil {
			return nil, err
		}
		return transport.AcceptOne(ctx, l)
	}
}

// dialSupplier dials an endpoint when invoked.
func dialSupplier(spec pipeline.PortSpec, policy transport.RetryPolicy) pipeline.ConnSupplier {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return dialPort(ctx, spec, policy)
	}
}

// loadRuntimeConfig returns the parsed bundle, or an empty one when no
// --config was given.
func loadRuntimeConfig() (*pipeline.Bundle, error) {
	if configPath == "" {
		return &pipeline.Bundle{}, nil
	}
	return pipeline.LoadBundle(configPath)
}
