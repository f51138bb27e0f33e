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
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/xendit/hexproxy/hexdump"
	"golang.org/x/sync/errgroup"
)

const (
	chunkSize = 8192

	clientSide = "CLIENT"
	serverSide = "SERVER"
)

// DumpOptions selects the dumper used for each direction. A nil dumper disables dumping
// for that direction.
type DumpOptions struct {
	ClientToServer *hexdump.Dumper
	ServerToClient *hexdump.Dumper
	// File is the shared dump file, if any. Every relay holds a reference to it while
	// it runs.
	File *hexdump.FileSink
}

// DirectionError reports which direction of a connection failed and during which step.
type DirectionError struct {
	From string
	To   string
	Op   string
	Err  error
}

func (e *DirectionError) Error() string {
	return fmt.Sprintf("%v → %v: %v: %v", e.From, e.To, e.Op, e.Err)
}

func (e *DirectionError) Unwrap() error {
	return e.Err
}

type closeWriter interface {
	CloseWrite() error
}

// A direction copies chunks from one endpoint to the other, dumping each chunk before it
// is forwarded when a dumper is set.
type direction struct {
	from        string
	to          string
	label       string
	src         io.Reader
	dst         io.Writer
	dumper      *hexdump.Dumper
	transferred atomic.Int64
}

func newDirection(from string, to string, src io.Reader, dst io.Writer, dumper *hexdump.Dumper) *direction {
	return &direction{
		from:   from,
		to:     to,
		label:  hexdump.Label(from, to),
		src:    src,
		dst:    dst,
		dumper: dumper,
	}
}

// Copy until the source reaches EOF or any step fails. Either way the destination is
// half-closed afterwards, when it supports that, so its peer sees the end of the stream.
func (d *direction) run() error {
	err := d.copy()
	if cw, ok := d.dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	return err
}

func (d *direction) copy() error {
	buf := make([]byte, chunkSize)
	for {
		n, readErr := d.src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if dumpErr := d.dumper.Dump(chunk, d.label); dumpErr != nil {
				return d.fail("dump", dumpErr)
			}
			written, writeErr := d.dst.Write(chunk)
			d.transferred.Add(int64(written))
			if writeErr != nil {
				return d.fail("write", writeErr)
			}
			if written != n {
				return d.fail("write", io.ErrShortWrite)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return d.fail("read", readErr)
		}
	}
}

func (d *direction) fail(op string, err error) error {
	return &DirectionError{From: d.from, To: d.to, Op: op, Err: err}
}

// A connection represents an active bridge between an accepted client connection and the
// connection opened to the target. Each direction is copied independently until it ends,
// and the endpoints are closed once both have ended.
type Connection struct {
	accepted  io.ReadWriteCloser
	forwardTo io.ReadWriteCloser
	requests  *direction
	responses *direction
}

// Create a new connection between two endpoints. This function returns immediately and the
// processing of the connection is NOT started. A call to the Forward method is required to
// start the forwarding.
func NewConnection(accepted io.ReadWriteCloser, forwardTo io.ReadWriteCloser, dumps DumpOptions) *Connection {
	return &Connection{
		accepted:  accepted,
		forwardTo: forwardTo,
		requests:  newDirection(clientSide, serverSide, accepted, forwardTo, dumps.ClientToServer),
		responses: newDirection(serverSide, clientSide, forwardTo, accepted, dumps.ServerToClient),
	}
}

// Start forwarding data in both directions. This function blocks until both directions
// have ended, then closes both endpoints. It returns the bytes relayed in each direction
// and the first error any direction ran into. A failing direction does not stop the other.
func (c *Connection) Forward() (clientToServer int64, serverToClient int64, err error) {
	// A group without a context: one direction returning never cancels the other.
	var g errgroup.Group
	g.Go(c.requests.run)
	g.Go(c.responses.run)
	err = g.Wait()

	_ = c.Close()
	clientToServer, serverToClient = c.Stats()
	return clientToServer, serverToClient, err
}

// Bytes relayed so far from client to server and from server to client.
func (c *Connection) Stats() (clientToServer int64, serverToClient int64) {
	return c.requests.transferred.Load(), c.responses.transferred.Load()
}

// Close both endpoints. A blocked Forward returns once its reads fail. Calling Close
// multiple times is safe; the first error from closing is returned.
func (c *Connection) Close() error {
	acceptedErr := c.accepted.Close()
	forwardErr := c.forwardTo.Close()
	if acceptedErr != nil {
		return acceptedErr
	}
	return forwardErr
}
