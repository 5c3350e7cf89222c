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

//go:build wireinject
// +build wireinject

package archiver

import (
	"context"

	"github.com/Subaru-PFS/ics-archiver/internal/config"
	"github.com/google/wire"
)

// NewArchiver assembles the archive server from its configuration. The
// cleanup function drains every table buffer and releases the staging
// directory.
func NewArchiver(ctx context.Context, cfg *config.Config) (*Archiver, func(), error) {
	panic(wire.Build(Set))
}
