package net

import (
	"fmt"
	"net"
	"strconv"
)

// GetEphemeralTCPAddr returns host joined with a port that was free when checked.
// Nothing holds the port afterwards, so it suits tests that need an address nobody listens on.
func GetEphemeralTCPAddr(host string) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
