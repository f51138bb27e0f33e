package main

import (
	"flag"
	"io"
	"net"
	"os"
	"os/signal"

	"go.uber.org/zap"
)

// This is a quick echo target to try the proxy by hand. This file is not part of the main proxy codebase.

func main() {
	listenAddress := flag.String("listen", "127.0.0.1:8081", "address to listen on")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	log := logger.Sugar()

	listener, listenerErr := net.Listen("tcp", *listenAddress)
	if listenerErr != nil {
		log.Fatalw("failed to listen", "addr", *listenAddress, "error", listenerErr)
	}
	defer listener.Close()
	log.Infow("echo target listening", "addr", listener.Addr().String())

	go func() {
		for {
			accepted, acceptErr := listener.Accept()
			if acceptErr != nil {
				log.Errorw("accept failed", "error", acceptErr)
				return
			}
			go func() {
				defer accepted.Close()
				n, err := io.Copy(accepted, accepted)
				log.Infow("echoed connection", "peer", accepted.RemoteAddr().String(), "bytes", n, "error", err)
			}()
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
}
