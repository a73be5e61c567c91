// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log provides a process-global, swappable zap.SugaredLogger, in
// the spirit of a structured-logging facade: callers that do not need to
// thread a *zap.SugaredLogger through every constructor can just call the
// package-level functions, while components that are unit tested under
// table-driven cases can swap the global out for a recording logger.
package log

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Config controls construction of a scoped logger (e.g. per torrent, per
// subsystem). Disable is most commonly set in tests.
type Config struct {
	Disable bool          `yaml:"disable"`
	Level   string        `yaml:"level"`
	Output  OutputConfig  `yaml:"output"`
}

// OutputConfig names where log output should go; empty means stderr.
type OutputConfig struct {
	Path string `yaml:"path"`
}

var global atomic.Value // stores *zap.SugaredLogger

func init() {
	global.Store(mustNewDefault())
}

func mustNewDefault() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Default returns the process-wide logger.
func Default() *zap.SugaredLogger {
	return global.Load().(*zap.SugaredLogger)
}

// SetGlobalLogger replaces the process-wide logger, returning the previous
// one so callers (typically tests) can restore it on cleanup.
func SetGlobalLogger(l *zap.SugaredLogger) *zap.SugaredLogger {
	prev := global.Load().(*zap.SugaredLogger)
	global.Store(l)
	return prev
}

// ConfigureLogger rebuilds the process-wide logger from a raw zap.Config,
// used at process start-up once flags / config files are parsed.
func ConfigureLogger(cfg zap.Config) error {
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	global.Store(l.Sugar())
	return nil
}

// New builds a scoped *zap.SugaredLogger carrying fields as structured
// key/value pairs on every entry, or a no-op logger if config.Disable.
func New(config Config, fields map[string]interface{}) (*zap.SugaredLogger, error) {
	if config.Disable {
		return zap.NewNop().Sugar(), nil
	}
	l := Default()
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.With(args...), nil
}

// With returns the global logger annotated with the given key/value pairs.
func With(args ...interface{}) *zap.SugaredLogger {
	return Default().With(args...)
}

var mu sync.Mutex // serializes Fatal to make test assertions deterministic

// Debugf logs at debug level on the global logger.
func Debugf(template string, args ...interface{}) { Default().Debugf(template, args...) }

// Infof logs at info level on the global logger.
func Infof(template string, args ...interface{}) { Default().Infof(template, args...) }

// Info logs at info level on the global logger.
func Info(args ...interface{}) { Default().Info(args...) }

// Warn logs at warn level on the global logger.
func Warn(args ...interface{}) { Default().Warn(args...) }

// Warnf logs at warn level on the global logger.
func Warnf(template string, args ...interface{}) { Default().Warnf(template, args...) }

// Errorf logs at error level on the global logger.
func Errorf(template string, args ...interface{}) { Default().Errorf(template, args...) }

// Fatal logs at fatal level on the global logger and exits the process.
func Fatal(args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	Default().Fatal(args...)
}

// Fatalf logs at fatal level on the global logger and exits the process.
func Fatalf(template string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	Default().Fatalf(template, args...)
}
