// Copyright 2026 The ICS Archiver Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Subaru-PFS/ics-archiver/internal/actors"
	"github.com/Subaru-PFS/ics-archiver/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ivalMultipliers scale the by-date interval units.
var ivalMultipliers = map[byte]float64{
	's': 1, 'm': 60, 'h': 3600, 'd': 86400, 'w': 604800,
}

// jsonInvalid is the distinguished token for a NULL column in
// read-back rows. Ordinary values render as JSON numbers and strings,
// so an object is unambiguous; the browse UI keys off it to mark the
// cell invalid.
var jsonInvalid = map[string]bool{"invalid": true}

// NewWebHandler serves the read-back queries the browse UI consumes,
// plus prometheus metrics:
//
//	GET /actors
//	GET /keys/{actor}/{keyword}?recent=n
//	GET /keys/{actor}/{keyword}?ival=2h&end=now
//	GET /metrics
//
// Rows come back as [timestamp, v1, ...] arrays; a NULL column is the
// {"invalid": true} token rather than a bare null.
func NewWebHandler(engine *storage.Engine, reg *actors.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/actors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, reg.AllNames())
	})
	mux.HandleFunc("/keys/", func(w http.ResponseWriter, r *http.Request) {
		serveKeyQuery(engine, reg, w, r)
	})
	return mux
}

func serveKeyQuery(
	engine *storage.Engine, reg *actors.Registry,
	w http.ResponseWriter, r *http.Request,
) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/keys/"), "/"), "/")
	if len(parts) != 2 {
		http.Error(w, "expected /keys/{actor}/{keyword}", http.StatusBadRequest)
		return
	}
	actorName, keyName := parts[0], parts[1]

	actor, err := reg.Attach(actorName, true)
	if err != nil {
		http.Error(w, "unknown actor: "+actorName, http.StatusNotFound)
		return
	}
	key, ok := actor.Key(keyName)
	if !ok {
		http.Error(w, "unknown keyword "+actorName+"."+keyName, http.StatusNotFound)
		return
	}
	if !engine.HasKeyTable(actorName, keyName) {
		http.Error(w, "no data recorded for "+actorName+"."+keyName, http.StatusNotFound)
		return
	}
	table, err := actor.KeyTable(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	var rows []storage.Row
	switch {
	case q.Get("recent") != "":
		n, err := strconv.Atoi(q.Get("recent"))
		if err != nil || n <= 0 {
			http.Error(w, "invalid value for parameter 'recent'", http.StatusBadRequest)
			return
		}
		if rows, err = table.Recent(r.Context(), n); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

	case q.Get("ival") != "":
		interval, ok := parseInterval(q.Get("ival"))
		if !ok {
			http.Error(w, "invalid value for parameter 'ival'", http.StatusBadRequest)
			return
		}
		endAt := storage.EndAt{Now: true}
		if end := q.Get("end"); end != "" && end != "now" {
			secs, err := strconv.ParseFloat(end, 64)
			if err != nil {
				http.Error(w, "invalid value for parameter 'end'", http.StatusBadRequest)
				return
			}
			endAt = storage.EndAt{Epoch: secs}
		}
		if rows, err = table.ByDate(r.Context(), interval, endAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

	default:
		http.Error(w, "invalid request parameters", http.StatusBadRequest)
		return
	}

	out := make([][]any, len(rows))
	for i, row := range rows {
		rec := make([]any, 0, len(row.Values)+1)
		rec = append(rec, row.TAI)
		for _, v := range row.Values {
			if v.IsInvalid() {
				rec = append(rec, jsonInvalid)
			} else {
				rec = append(rec, v.Native())
			}
		}
		out[i] = rec
	}
	writeJSON(w, out)
}

// parseInterval decodes an interval like "90s", "15m", "2h", "3d",
// "1w" into seconds.
func parseInterval(s string) (float64, bool) {
	if len(s) < 2 {
		return 0, false
	}
	mult, ok := ivalMultipliers[s[len(s)-1]]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return float64(n) * mult, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
