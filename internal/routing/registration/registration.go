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

// Package registration builds the serving topology from the running
// configuration: backends, their engines, and the frontend server.
package registration

import (
	"fmt"

	"github.com/tridentcache/trident/internal/backend"
	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/proxy/engines"
	"github.com/tridentcache/trident/internal/server"
	storereg "github.com/tridentcache/trident/internal/store/registration"
	"github.com/tridentcache/trident/internal/util/log"
)

// Engines maintains the engines registered for each configured backend
var Engines = make(map[string]*engines.Engine)

// RegisterBackends iterates the running configuration and builds a
// backend, engine and store binding for each entry, returning the
// frontend server routing to them.
func RegisterBackends() (*server.Server, error) {

	defaultName := ""
	var cdo *config.BackendConfig // the backend with IsDefault set

	for k, bc := range config.Backends {
		if bc.IsDefault {
			if cdo != nil {
				return nil, fmt.Errorf("only one backend can be marked as default. Found both %s and %s", defaultName, k)
			}
			log.Debug("default backend identified", log.Pairs{"name": k})
			defaultName = k
			cdo = bc
		}
	}
	if cdo == nil {
		if bc, ok := config.Backends["default"]; ok {
			defaultName = "default"
			cdo = bc
		}
	}

	backends := make(map[string]*backend.Backend)
	for k, bc := range config.Backends {
		log.Info("registering backend", log.Pairs{"backendName": k, "address": bc.Address, "storeName": bc.StoreName})
		backends[k] = backend.New(bc)
	}

	// via references resolve once every backend exists
	for k, bc := range config.Backends {
		if bc.Via != "" {
			backends[k].SetVia(backends[bc.Via])
		}
	}

	for k, bc := range config.Backends {
		st, err := storereg.GetStore(bc.StoreName)
		if err != nil {
			return nil, err
		}
		Engines[k] = engines.NewEngine(bc, backends[k], st)
	}

	var def *engines.Engine
	if defaultName != "" {
		def = Engines[defaultName]
	} else {
		// any single backend serves as the implicit default
		for _, e := range Engines {
			if def == nil {
				def = e
			}
		}
	}

	return server.New(Engines, def), nil
}
