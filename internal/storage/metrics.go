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

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tableLabels = []string{"table"}

var (
	tableRecordCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_table_rows_recorded_total",
		Help: "the number of rows appended to this table's buffer",
	}, tableLabels)
	tableFlushCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_table_flushes_total",
		Help: "the number of bulk-load flushes dispatched for this table",
	}, tableLabels)
	tableFlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_table_flush_errors_total",
		Help: "the number of times a bulk load failed for this table",
	}, tableLabels)
	tableFlushDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archiver_table_flush_duration_seconds",
		Help:    "the length of time it took to bulk-load a staging file",
		Buckets: prometheus.DefBuckets,
	}, tableLabels)
	tableLoadedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_table_rows_loaded_total",
		Help: "the number of rows successfully bulk-loaded for this table",
	}, tableLabels)
)
