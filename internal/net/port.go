package net

import (
	"fmt"
	"net"
)

// FreeLocalAddr returns a 127.0.0.1 address whose TCP port was free when it was checked.
// Another process may take the port before the caller binds it.
func FreeLocalAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}
