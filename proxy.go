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
	"fmt"
	"io"
	"net"

	"github.com/xendit/hexproxy/hexdump"
)

// A proxy owns the resources that live for the whole process: the listening socket and the
// dump file. Creating it performs the two fatal startup steps, opening the dump file and
// binding the listen address, and then starts accepting connections.
type Proxy struct {
	listener *RelayListener
	file     *hexdump.FileSink
}

// Create a proxy for the given configuration. Dump text goes to console and, when a dump
// file is configured, to that file as well. Events about connections are sent on the given
// channel, which must be drained for as long as the proxy runs.
func NewProxy(config Config, console io.Writer, events chan ListenerEvent) (*Proxy, error) {
	if configError := config.Validate(); configError != nil {
		return nil, fmt.Errorf("invalid configuration: %w", configError)
	}

	var dumps DumpOptions
	if config.Dumping() {
		sinks := []hexdump.Sink{hexdump.NewWriterSink(console)}
		if config.DumpFile != "" {
			file, openError := hexdump.OpenFile(config.DumpFile)
			if openError != nil {
				return nil, openError
			}
			dumps.File = file
			sinks = append(sinks, file)
		}
		dumper := hexdump.NewDumper(sinks...)
		if config.DumpClientToServer {
			dumps.ClientToServer = dumper
		}
		if config.DumpServerToClient {
			dumps.ServerToClient = dumper
		}
	}

	netListener, netListenerErr := net.Listen("tcp", config.ListenAddress)
	if netListenerErr != nil {
		if dumps.File != nil {
			_ = dumps.File.Release()
		}
		return nil, fmt.Errorf("failed to listen on %v: %w", config.ListenAddress, netListenerErr)
	}

	return &Proxy{
		listener: NewRelayListener(config, netListener, dumps, events),
		file:     dumps.File,
	}, nil
}

func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Live connections, indexed by connection name. The map is a copy.
func (p *Proxy) Connections() map[string]*Connection {
	return p.listener.GetConnections()
}

// Stop the listener, abort live connections and drop the proxy's reference to the dump
// file. The file itself is closed once the last aborted connection has released it.
func (p *Proxy) Close() error {
	closeErr := p.listener.Close()
	if p.file != nil {
		if releaseErr := p.file.Release(); releaseErr != nil && closeErr == nil {
			closeErr = releaseErr
		}
	}
	return closeErr
}
