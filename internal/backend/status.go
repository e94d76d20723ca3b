// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/chunkstream/internal/cache"
	"github.com/westerndigitalcorporation/chunkstream/internal/httpio"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>chunkstream status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}

    table.groups th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>{{.JobName}}</h3>

<table>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Started:</td>
    <td>{{.Reboot}}</td>
  </tr>
  <tr>
    <td>Chunk ranges in flight:</td>
    <td>{{.InFlight}}</td>
  </tr>
  <tr>
    <td>Queued network requests:</td>
    <td>{{.Queued}}</td>
  </tr>
  <tr>
    <td>Reads:</td>
    <td>{{.Reads}}</td>
  </tr>
  <tr>
    <td>Network fetches:</td>
    <td>{{if .Cfg.HTTPEnabled}}enabled{{else}}disabled{{end}}{{if .Cfg.DisabledClasses}} (off for {{range .Cfg.DisabledClasses}}{{.}} {{end}}){{end}}</td>
  </tr>
  {{with .Cache}}
  <tr>
    <td>Cache:</td>
    <td>{{.Entries}} entries, {{byteToMB64 .Bytes}} / {{byteToMB64 .MaxBytes}} mb, {{.Hits}} hits, {{.Misses}} misses</td>
  </tr>
  {{end}}
</table>

<br>
<table class="status groups">
  <caption>Host groups</caption>
  <tr>
    <th>Name</th>
    <th>State</th>
    <th>Primary</th>
    <th>Error rate</th>
    <th>Requests</th>
    <th>Endpoints</th>
  </tr>
  {{range .Groups}}
  <tr>
    <td>{{.Name}}</td>
    <td>{{.State}}</td>
    <td>{{.Primary}}</td>
    <td>{{printf "%.2f" .ErrorRate}}</td>
    <td>{{.Requests}}</td>
    <td>{{range $i, $u := .URLs}}{{$i}}: {{$u}}<br>{{end}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// GroupStatus describes a host group.
type GroupStatus struct {
	Name      string
	State     string
	Primary   int
	ErrorRate float64
	URLs      []string
	Requests  string
}

// StatusData includes backend status info.
type StatusData struct {
	JobName  string
	Cfg      Config
	FreeMem  uint64
	TotalMem uint64

	Groups   []GroupStatus
	InFlight int
	Queued   int
	Reads    string
	Cache    *cache.Usage

	Reboot time.Time // When did we start?
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

func byteToMB64(in int64) int64 {
	return in / 1024 / 1024
}

var (
	// When did we start?
	reboot = time.Now()

	// Add custom functions.
	funcMap = template.FuncMap{"byteToMB": byteToMB, "byteToMB64": byteToMB64}

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// Status returns a snapshot of the state of the backend.
func (b *Backend) Status() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	groups := b.hosts.Groups()
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name()
	}
	stats := httpio.RequestStats(names...)

	status := StatusData{
		JobName:  "chunkstream",
		Cfg:      b.Config(),
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		InFlight: b.coalescer.Num(),
		Queued:   b.thread.QueueLength(),
		Reads:    reads.String(),
		Reboot:   reboot,
		Now:      time.Now(),
	}
	for _, g := range groups {
		status.Groups = append(status.Groups, GroupStatus{
			Name:      g.Name(),
			State:     g.State().String(),
			Primary:   g.PrimaryIndex(),
			ErrorRate: g.ErrorRate(),
			URLs:      g.URLs(),
			Requests:  stats[g.Name()],
		})
	}
	if u, ok := b.cache.(interface{ Usage() cache.Usage }); ok {
		usage := u.Usage()
		status.Cache = &usage
	}
	return status
}

// StatusHandler serves the status page. If the "Accept" header is set to be
// "application/json", it sends json encoded status; otherwise it sends html.
func (b *Backend) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		b.handleJSON(w)
	} else {
		b.handleHTML(w)
	}
}

func (b *Backend) handleHTML(w http.ResponseWriter) {
	var buf bytes.Buffer
	if err := statusTemplate.Execute(&buf, b.Status()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(buf.Bytes())
}

func (b *Backend) handleJSON(w http.ResponseWriter) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(b.Status()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}
