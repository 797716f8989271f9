// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"testing"
)

// ConnPair returns the dialing and accepting ends of a loopback TCP
// connection. Both ends are closed when the test finishes.
func ConnPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening on loopback: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	acceptErrors := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptErrors <- err
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dialing loopback listener: %v", err)
	}
	select {
	case server = <-accepted:
	case err := <-acceptErrors:
		client.Close()
		t.Fatalf("accepting loopback connection: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}
