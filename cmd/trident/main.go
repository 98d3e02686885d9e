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

package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/routing"
	"github.com/tridentcache/trident/internal/routing/registration"
	"github.com/tridentcache/trident/internal/runtime"
	storereg "github.com/tridentcache/trident/internal/store/registration"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/util/tracing"
)

const (
	applicationName    = "trident"
	applicationVersion = "0.9.0"
)

func main() {

	runtime.ApplicationName = applicationName
	runtime.ApplicationVersion = applicationVersion

	err := config.Load(applicationName, applicationVersion, os.Args[1:])
	if err != nil {
		fmt.Println("Could not load configuration:", err.Error())
		os.Exit(1)
	}

	if config.Flags.PrintVersion {
		fmt.Println(applicationVersion)
		os.Exit(0)
	}

	log.Init()
	defer log.Logger.Close()
	log.Info("application start up",
		log.Pairs{"name": applicationName, "version": applicationVersion})

	for _, w := range config.LoaderWarnings {
		log.Warn(w, log.Pairs{})
	}

	metrics.Init()

	flush, err := tracing.SetTracer(config.Tracing.Implementation,
		config.Tracing.CollectorEndpoint, config.Tracing.SampleRate)
	if err != nil {
		log.Warn("tracer setup failed", log.Pairs{"detail": err.Error()})
	} else {
		defer flush()
	}

	if err := storereg.LoadStoresFromConfig(); err != nil {
		log.Fatal(1, "unable to connect to object stores", log.Pairs{"detail": err.Error()})
	}
	defer storereg.CloseStores()

	srv, err := registration.RegisterBackends()
	if err != nil {
		log.Fatal(1, "backend registration failed", log.Pairs{"detail": err.Error()})
	}

	routing.RegisterManagementRoutes()
	go func() {
		addr := fmt.Sprintf("%s:%d", config.Frontend.ListenAddress, config.Frontend.ListenPort+1)
		log.Info("management http server starting", log.Pairs{"address": addr})
		if err := http.ListenAndServe(addr, routing.Handler()); err != nil {
			log.Error("management http server failed", log.Pairs{"detail": err.Error()})
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(1, "frontend server failed", log.Pairs{"detail": err.Error()})
	}
}
