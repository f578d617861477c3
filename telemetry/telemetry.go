/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package telemetry wires an optional *zap.SugaredLogger through the
// transport core. Every component that logs accepts one of these, via a
// functional option (status) or an Options field (session), and falls back
// to a no-op so the hot path never pays
// for formatting when nobody is listening.
package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the narrow surface the transport core logs through.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}

// Wrap adapts a *zap.SugaredLogger to Logger. Passing nil returns Nop().
func Wrap(l *zap.SugaredLogger) Logger {
	if l == nil {
		return Nop()
	}
	return zapLogger{l}
}

type zapLogger struct{ l *zap.SugaredLogger }

func (z zapLogger) Debugw(msg string, kv ...any) { z.l.Debugw(msg, kv...) }
func (z zapLogger) Infow(msg string, kv ...any)  { z.l.Infow(msg, kv...) }
func (z zapLogger) Warnw(msg string, kv ...any)  { z.l.Warnw(msg, kv...) }
func (z zapLogger) Errorw(msg string, kv ...any) { z.l.Errorw(msg, kv...) }

// Config controls New's encoder and level, mirroring the development
// console encoder used for operator-facing tooling in this pack.
type Config struct {
	Level zapcore.Level
	Dev   bool
}

// DefaultConfig returns an info-level console logger.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel}
}

// New builds a console-encoded *zap.SugaredLogger writing to stderr.
func New(cfg Config) (*zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      cfg.Dev,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build logger: %w", err)
	}
	return logger.Sugar(), nil
}
