// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package channel

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// Checker verifies connectivity to a player before a direct channel is used.
type Checker interface {
	Verify(string, string) error
}

// NoopChecker accepts any endpoint. Bulletin-board routing uses it since
// clients behind the relay accept no inbound connections.
type NoopChecker struct {
}

// Verify reports the endpoint as reachable.
func (t *NoopChecker) Verify(host, port string) error {
	return nil
}

// TCPCheckerConf is the configuration of TCPChecker.
type TCPCheckerConf struct {
	DialTimeout  time.Duration
	RetryTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// NewTCPChecker returns an instance of TCPChecker.
func NewTCPChecker(conf *TCPCheckerConf) *TCPChecker {
	return &TCPChecker{
		conf: conf,
	}
}

// TCPChecker probes a player's endpoint before a direct channel is opened, so
// that routing failures surface before any plan step runs.
type TCPChecker struct {
	conf    *TCPCheckerConf
	retries int32
}

// Verify checks TCP connectivity to the given endpoint, retrying until
// RetryTimeout elapses.
func (t *TCPChecker) Verify(host, port string) error {
	done := time.After(t.conf.RetryTimeout)
	for {
		select {
		case <-done:
			return fmt.Errorf("TCPCheck for '%s:%s' failed after %s and %d attempts", host, port, t.conf.RetryTimeout.String(), t.retries)
		default:
			if t.tryToConnect(host, port) {
				return nil
			}
			t.sleepAndIncrement()
		}
	}
}

// tryToConnect spins up a new TCP connection, returns true if the connection succeeds, false otherwise.
// The exact errors are not returned, but printed out instead.
func (t *TCPChecker) tryToConnect(host, port string) bool {
	var conn net.Conn
	var err error
	defer func() {
		if conn != nil {
			err := conn.Close()
			if err != nil {
				t.conf.Logger.Error(err)
			}
		}
	}()
	conn, err = net.DialTimeout("tcp", host+":"+port, t.conf.DialTimeout)
	if err != nil {
		t.conf.Logger.Debugf("error getting tcp connection %s", err.Error())
		return false
	}
	err = conn.SetReadDeadline(time.Now().Add(t.conf.DialTimeout))
	if err != nil {
		t.conf.Logger.Errorf("error setting read deadline, %s\n", err.Error())

		return false
	}
	arr := make([]byte, 1)
	_, err = conn.Read(arr)

	if err != nil {
		if err == io.EOF {
			// The port is open but the player's channel endpoint is not up yet.
			t.conf.Logger.Debugf("TCPCheck - error connection closed %s", t.conf.DialTimeout)
			// trigger a retry.
			return false
		} else if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
			// We do not expect to read anything from the socket here, so the timeout is a success.
			t.conf.Logger.Debug("TCPCheck - connection established")
			// success, no retries are expected anymore.
			return true
		} else {
			t.conf.Logger.Errorf("TCPCheck - exit on unknown error: %s", err.Error())
			return false
		}
	}
	return true
}

// sleepAndIncrement sleeps for the period of DialTimeout, increments the number of retries and prints out a log entry.
func (t *TCPChecker) sleepAndIncrement() {
	t.retries++
	time.Sleep(t.conf.DialTimeout)
	t.conf.Logger.Debugf("retrying TCPCheck after %s", t.conf.DialTimeout)
}
