// Package grpcdial connects to REAPI endpoints of the form
// "grpcs://host[:port]" (TLS) or "grpc://host[:port]" (plaintext).
package grpcdial

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/tweag/asset-fetch/auth/credential"
	"github.com/tweag/asset-fetch/auth/grpcheaderinterceptor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

func Dial(endpoint string, helper credential.Helper) (*grpc.ClientConn, error) {
	var target string
	var transportCreds credentials.TransportCredentials
	switch {
	case strings.HasPrefix(endpoint, "grpcs://"):
		target = strings.TrimPrefix(endpoint, "grpcs://")
		transportCreds = credentials.NewTLS(&tls.Config{})
	case strings.HasPrefix(endpoint, "grpc://"):
		target = strings.TrimPrefix(endpoint, "grpc://")
		transportCreds = insecure.NewCredentials()
	default:
		return nil, fmt.Errorf(`remote endpoint %q must start with "grpcs://" or "grpc://"`, endpoint)
	}

	dialOptions := append(
		grpcheaderinterceptor.DialOptions(helper),
		grpc.WithTransportCredentials(transportCreds),
	)
	return grpc.NewClient(target, dialOptions...)
}
