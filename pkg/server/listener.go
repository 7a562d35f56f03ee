// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// listenBacklog bounds concurrent sessions; the historical servers
// relied on the OS listen backlog of 100 for the same purpose.
const listenBacklog = 100

// Run binds the listener and drives the whole server: one acceptor
// task, one session task per accepted connection, one supervisor task,
// and the optional metrics listener. It returns after a terminal
// status, writing a final snapshot unless a mobile handoff already
// saved and relocated.
func (c *Context) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Cfg.Port))
	if err != nil {
		return &ResourceError{Op: fmt.Sprintf("bind port %d", c.Cfg.Port), Err: err}
	}
	c.Log.Info("listening", "port", c.Cfg.Port, "replicas", c.Cfg.NReplicas(), "nodes", c.Nodes.N(),
		"coordinate", c.Cfg.Coordinate, "move", c.Cfg.Move)

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Supervisor(ctx, cancel)
	})
	g.Go(func() error {
		defer ln.Close()
		return c.acceptLoop(ctx, ln)
	})
	if c.Opt.ConfigPath != "" {
		g.Go(func() error {
			return c.watchOptions(ctx, c.Opt.ConfigPath)
		})
	}
	if c.Opt.MetricsAddr != "" {
		srv := &http.Server{Addr: c.Opt.MetricsAddr, Handler: c.Metrics.Handler()}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	if c.VRE != nil && c.Opt.Verbosity >= 2 {
		w := bufio.NewWriter(os.Stderr)
		c.VRE.Dump(w)
		_ = w.Flush()
	}
	if !c.handedOff {
		if _, serr := c.SaveSnapshot(time.Now()); serr != nil {
			c.Log.Error("final snapshot failed", "err", serr)
			if err == nil {
				err = serr
			}
		}
		if cerr := c.DB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.Log.Info("server finished", "status", c.Status())
	return err
}

// acceptLoop accepts connections until the run ends, observing a
// terminal status within one second of the flag being set.
func (c *Context) acceptLoop(ctx context.Context, ln net.Listener) error {
	tcpLn := ln.(*net.TCPListener)
	sessions := make(chan struct{}, listenBacklog)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		switch c.Status() {
		case Finished, AllottedTimeOver:
			return nil
		}
		if err := tcpLn.SetDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return err
		}
		conn, err := tcpLn.Accept()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Warn("accept failed", "err", err)
			continue
		}
		sessions <- struct{}{}
		go func() {
			defer func() { <-sessions }()
			c.Serve(conn)
		}()
	}
}
