// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync/atomic"
)

var (
	processIDPrefix = makePrefix()
	seqNum          uint64
)

func makePrefix() string {
	buf := make([]byte, 9)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// GenRequestID returns a unique string to be used as a request id in logs and
// in the X-Request-Id header. It combines 72 random bits identifying the
// process with a sequence number.
func GenRequestID() string {
	id := atomic.AddUint64(&seqNum, 1)
	return processIDPrefix + "-" + strconv.FormatUint(id, 36)
}

// RequestIDHeader is the header carrying GenRequestID values.
const RequestIDHeader = "X-Request-Id"
