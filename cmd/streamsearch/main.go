// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command streamsearch runs the streaming search service.
//
// # Usage
//
//	# Build
//	go build -o streamsearch ./cmd/streamsearch
//
//	# Run with a config file; STREAMSEARCH_* variables override it
//	./streamsearch serve --config streamsearch.yaml
//
//	# Print the version
//	./streamsearch version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
