// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"net/http"

	log "github.com/golang/glog"
)

// ROHandler is implemented by stores that can be write-protected at runtime.
type ROHandler interface {
	ReadOnly() bool
	SetReadOnly(bool) error
}

// ReadOnlyHandler implements /readonly. GET requests return the current
// read-only state, POST requests like /readonly?mode=true or false change it.
func ReadOnlyHandler(w http.ResponseWriter, r *http.Request, h ROHandler) {
	const True, False = "true", "false"
	w.Header().Set("Content-Type", "text/plain")
	if r.Method == "GET" {
		w.WriteHeader(http.StatusOK)
		if h.ReadOnly() {
			w.Write([]byte(True))
		} else {
			w.Write([]byte(False))
		}
		return
	}
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprintln(w, "method must be POST")
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode != True && mode != False {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, "'mode' param must be 'true' or 'false'")
		return
	}
	if err := h.SetReadOnly(mode == True); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "error setting read-only mode: %s", err)
		log.Errorf("error setting read-only mode: %s", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "set read-only mode to %s", mode)
	log.Infof("set read-only mode to %s", mode)
}
