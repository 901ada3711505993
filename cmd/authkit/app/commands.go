// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the authkit command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/authkit/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authkit",
	DisableAutoGenTag: true,
	Short:             "authkit is an embeddable OAuth 2.0 authorization server",
	Long: `authkit is an embeddable OAuth 2.0 authorization server and client
verification library. The serve command runs a demo issuer with email-code
and password authentication; production deployments embed the issuer
package into their own HTTP stack instead.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the authkit CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
