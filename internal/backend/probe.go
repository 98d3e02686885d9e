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

package backend

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
)

// Probe periodically issues a health request against a backend and flips
// its sickness flag on a windowed threshold.
type Probe struct {
	backend *Backend
	cfg     *config.ProbeConfig

	window []bool
	at     int
	quit   chan struct{}
}

func newProbe(b *Backend, cfg *config.ProbeConfig) *Probe {
	return &Probe{
		backend: b,
		cfg:     cfg,
		window:  make([]bool, cfg.Window),
		quit:    make(chan struct{}),
	}
}

// Start launches the prober goroutine
func (p *Probe) Start() {
	go p.run()
}

// Stop halts the prober
func (p *Probe) Stop() {
	close(p.quit)
}

func (p *Probe) run() {
	for {
		good := p.once()
		p.window[p.at%len(p.window)] = good
		p.at++

		n := 0
		seen := p.at
		if seen > len(p.window) {
			seen = len(p.window)
		}
		for i := 0; i < seen; i++ {
			if p.window[i] {
				n++
			}
		}
		p.backend.SetSick(n < p.cfg.Threshold)

		select {
		case <-p.quit:
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// once runs a single probe request outside the connection pool so that
// probing never competes for admission slots
func (p *Probe) once() bool {
	network := "tcp"
	if p.backend.Cfg.IsUDS {
		network = "unix"
	}
	conn, err := net.DialTimeout(network, p.backend.Cfg.Address, p.cfg.Timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.cfg.Timeout))

	host := p.backend.Cfg.HostHeader
	if host == "" {
		host = p.backend.Cfg.Address
	}
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", p.cfg.URL, host)

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return false
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return false
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	if status != p.cfg.ExpectedStatus {
		log.Debug("probe status mismatch", log.Pairs{"backend": p.backend.Cfg.Name, "status": status})
		return false
	}
	return true
}
