// BSD 3-Clause License
//
// Copyright (c) 2024, Xendit
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

type RelayListener struct {
	config      Config
	listener    net.Listener
	dumps       DumpOptions
	dialer      net.Dialer
	connections map[string]*Connection
	events      chan ListenerEvent
	stopping    bool
	lock        sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	closingChan chan struct{}
}

type ListenerEvent interface {
}

type ConnectionAcceptedEvent struct {
	Name string
	Peer net.Addr
}

type TargetConnectedEvent struct {
	Name   string
	Peer   net.Addr
	Target string
}

type TargetConnectFailedEvent struct {
	Name   string
	Peer   net.Addr
	Target string
	Error  error
}

type ConnectionClosedEvent struct {
	Name           string
	Peer           net.Addr
	ClientToServer int64
	ServerToClient int64
	Error          error
}

type AcceptErrorEvent struct {
	Error error
}

type ListenerStoppedEvent struct {
	Error error
}

// Create a listener that accepts connections on the given net.Listener and relays each of
// them to config.TargetAddress. The accept loop starts right away and runs until Close is
// called. Accept errors are reported and do not stop the loop.
func NewRelayListener(config Config, listener net.Listener, dumps DumpOptions, events chan ListenerEvent) *RelayListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &RelayListener{
		config:      config,
		listener:    listener,
		dumps:       dumps,
		connections: make(map[string]*Connection),
		events:      events,
		ctx:         ctx,
		cancel:      cancel,
		closingChan: make(chan struct{}),
	}

	go l.acceptLoop()
	return l
}

func (l *RelayListener) acceptLoop() {
	defer close(l.closingChan)

	// Pace consecutive accept failures (e.g. running out of file descriptors).
	pause := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	id := 0
	for {
		accepted, acceptErr := l.listener.Accept()
		if acceptErr != nil {
			if l.isStopping() {
				return
			}
			if errors.Is(acceptErr, net.ErrClosed) {
				l.events <- ListenerStoppedEvent{Error: acceptErr}
				return
			}
			l.events <- AcceptErrorEvent{Error: acceptErr}
			select {
			case <-time.After(pause.Duration()):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		pause.Reset()

		name := strconv.Itoa(id)
		id++
		l.events <- ConnectionAcceptedEvent{Name: name, Peer: accepted.RemoteAddr()}
		go l.handle(name, accepted)
	}
}

// Relay a single accepted connection: dial the target, then forward until both
// directions end.
func (l *RelayListener) handle(name string, accepted net.Conn) {
	defer accepted.Close()
	peer := accepted.RemoteAddr()
	target := l.config.TargetAddress

	if l.dumps.File != nil {
		// The file is already closed once the proxy has shut down; drop the connection.
		file, acquireError := l.dumps.File.Acquire()
		if acquireError != nil {
			l.events <- ConnectionClosedEvent{Name: name, Peer: peer, Error: acquireError}
			return
		}
		defer file.Release()
	}

	targetConn, targetError := l.dial(target)
	if targetError != nil {
		l.events <- TargetConnectFailedEvent{Name: name, Peer: peer, Target: target, Error: targetError}
		return
	}
	l.events <- TargetConnectedEvent{Name: name, Peer: peer, Target: target}

	connection := NewConnection(accepted, targetConn, l.dumps)
	if !l.track(name, connection) {
		_ = connection.Close()
		return
	}
	clientToServer, serverToClient, forwardError := connection.Forward()

	l.lock.Lock()
	delete(l.connections, name)
	l.lock.Unlock()
	l.events <- ConnectionClosedEvent{
		Name:           name,
		Peer:           peer,
		ClientToServer: clientToServer,
		ServerToClient: serverToClient,
		Error:          forwardError,
	}
}

// A single attempt, no retry. The platform's connect timeout applies; the context only
// aborts a pending dial when the listener is closed.
func (l *RelayListener) dial(target string) (net.Conn, error) {
	return l.dialer.DialContext(l.ctx, "tcp", target)
}

// Register a live connection. Returns false if the listener is already stopping, in which
// case the connection must not be started.
func (l *RelayListener) track(name string, connection *Connection) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.stopping {
		return false
	}
	l.connections[name] = connection
	return true
}

func (l *RelayListener) isStopping() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.stopping
}

// Snapshot of the live connections, indexed by connection name.
func (l *RelayListener) GetConnections() map[string]*Connection {
	l.lock.Lock()
	defer l.lock.Unlock()

	var ans = make(map[string]*Connection)
	for k, v := range l.connections {
		ans[k] = v
	}
	return ans
}

func (l *RelayListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Stop accepting and abort every live connection. In-flight data is not drained. Each
// aborted connection still reports a ConnectionClosedEvent from its own goroutine.
func (l *RelayListener) Close() error {
	l.lock.Lock()
	l.stopping = true
	for _, connection := range l.connections {
		_ = connection.Close()
	}
	l.lock.Unlock()
	l.cancel()
	closeErr := l.listener.Close()

	<-l.closingChan

	return closeErr
}
