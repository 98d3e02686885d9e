/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package pool

import (
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWaitTimeout is returned when a Stolen connection does not advance to
// Used before the caller's deadline.
var ErrWaitTimeout = errors.New("pool: timed out waiting for stolen connection")

// dial error causes, for holddown classification and failure accounting
const (
	causeOther = iota
	causeEACCES
	causeEADDRNOTAVAIL
	causeECONNREFUSED
	causeENETUNREACH
	causeETIMEDOUT
)

// CauseName returns the metric label for a classified dial error
func CauseName(err error) string {
	switch classifyDialError(err) {
	case causeEACCES:
		return "eacces"
	case causeEADDRNOTAVAIL:
		return "eaddrnotavail"
	case causeECONNREFUSED:
		return "econnrefused"
	case causeENETUNREACH:
		return "enetunreach"
	case causeETIMEDOUT:
		return "etimedout"
	}
	return "other"
}

func classifyDialError(err error) int {
	var errno syscall.Errno
	for err != nil {
		switch e := err.(type) {
		case *net.OpError:
			err = e.Err
		case *os.SyscallError:
			err = e.Err
		case syscall.Errno:
			errno = e
			err = nil
		default:
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return causeETIMEDOUT
			}
			err = nil
		}
	}
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return causeEACCES
	case syscall.EADDRNOTAVAIL:
		return causeEADDRNOTAVAIL
	case syscall.ECONNREFUSED:
		return causeECONNREFUSED
	case syscall.ENETUNREACH:
		return causeENETUNREACH
	case syscall.ETIMEDOUT:
		return causeETIMEDOUT
	}
	return causeOther
}

// netDialer opens TCP or unix-domain connections
type netDialer struct {
	network string
	address string
}

func (d *netDialer) Dial(tmo time.Duration) (net.Conn, error) {
	c, err := net.DialTimeout(d.network, d.address, tmo)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		setNoDelay(tc)
	}
	return c, nil
}

// setNoDelay disables Nagle on backend connections
func setNoDelay(c *net.TCPConn) {
	raw, err := c.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

type rawConner interface {
	SyscallConn() (syscall.RawConn, error)
}

func rawFd(c net.Conn) (int, bool) {
	rc, ok := c.(rawConner)
	if !ok {
		return 0, false
	}
	raw, err := rc.SyscallConn()
	if err != nil {
		return 0, false
	}
	fd := -1
	raw.Control(func(f uintptr) { fd = int(f) })
	if fd < 0 {
		return 0, false
	}
	return fd, true
}

// shutdownRDWR forces any blocked waiter off the connection
func shutdownRDWR(c net.Conn) {
	if fd, ok := rawFd(c); ok {
		unix.Shutdown(fd, unix.SHUT_RDWR)
	}
}

// pollReadable blocks until the connection is readable without consuming
// any bytes, or the deadline passes (a zero deadline blocks until
// readability). Returns true when readable, false on deadline.
func pollReadable(c net.Conn, deadline time.Time) (bool, error) {
	fd, ok := rawFd(c)
	if !ok {
		return false, errors.New("pool: connection exposes no descriptor")
	}
	for {
		tmo := -1
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return false, nil
			}
			tmo = int(d / time.Millisecond)
			if tmo == 0 {
				tmo = 1
			}
		}
		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, tmo)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		return true, nil
	}
}
