// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rollout runs and operates the progressive rollout service.
//
// # Usage
//
//	rollout init -c rollout.yaml          # write a starter configuration
//	rollout validate -c rollout.yaml      # check a configuration file
//	rollout serve -c rollout.yaml         # run the API and scheduler
//	rollout assign checkout 2 user-42     # resolve a spec offline
//	rollout status --server http://localhost:8090
//	rollout evaluate checkout 2 --server http://localhost:8090
//
// # Environment Variables
//
// Every variable read by the configuration loader applies, for example
// ROLLOUT_ADDR, ROLLOUT_STORAGE_BACKEND, INFLUXDB_URL and
// OTEL_EXPORTER_OTLP_ENDPOINT. ROLLOUT_SERVER sets the default --server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
