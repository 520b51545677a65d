// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command medverify serves and queries disease-scoped, self-verifying
// question answering.
//
// # Usage
//
//	# Run the HTTP service
//	medverify serve
//
//	# Manage corpora and documents
//	medverify corpus create "Type 2 Diabetes"
//	medverify ingest --disease "Type 2 Diabetes" guidelines.md faq.json
//
//	# Ask in-process
//	medverify ask --disease "Type 2 Diabetes" What is first-line therapy?
//
// Configuration lives in ~/.medverify/medverify.yaml (created on first
// run); environment variables such as OPENAI_API_KEY, LLM_BACKEND_TYPE and
// MEDVERIFY_PORT override it.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newApp().rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
