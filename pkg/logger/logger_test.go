// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func capture(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })
	return logs
}

func TestSingletonNeverNil(t *testing.T) {
	require.NotNil(t, Get())
}

func TestStructuredFields(t *testing.T) {
	logs := capture(t)

	Infow("token issued", "client_id", "demo", "subject", "user:abc")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "token issued", entries[0].Message)
	assert.Equal(t, "demo", entries[0].ContextMap()["client_id"])
}

func TestLevels(t *testing.T) {
	logs := capture(t)

	Debug("d")
	Info("i")
	Warnf("w %d", 1)
	Errorw("e", "cause", "test")

	require.Equal(t, 4, logs.Len())
}
