// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authkit demo server.
package main

import (
	"os"

	"github.com/stacklok/authkit/cmd/authkit/app"
	"github.com/stacklok/authkit/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
