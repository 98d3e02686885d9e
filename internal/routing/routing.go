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

// Package routing hosts the management HTTP router
package routing

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/middleware"
)

// Router is the management request router
var Router = mux.NewRouter()

// RegisterManagementRoutes attaches the ping and config handlers
func RegisterManagementRoutes() {
	Router.Use(middleware.Trace("management"))

	Router.HandleFunc(config.Main.PingHandlerPath, pingHandler).Methods("GET")
	Router.HandleFunc(config.Main.ConfigHandlerPath, configHandler).Methods("GET")
}

// Handler returns the management handler wrapped in the access log
func Handler() http.Handler {
	return handlers.CombinedLoggingHandler(os.Stdout, Router)
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func configHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/toml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(config.Config.String()))
}
