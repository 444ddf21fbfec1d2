// Copyright 2015 The etcd Authors
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

package raft

import (
	"log"
	"os"

	"go.uber.org/zap"
)

// Logger is the severity-tagged sink the log core writes to. Panic and
// Panicf are the core's fatal path: apart from newLogWithSize's
// nil-storage check, which panics directly, every invariant violation
// goes through one of them, never through a returned error.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warning(v ...interface{})
	Warningf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})
}

// defaultLogger is used whenever a caller does not supply a Logger. It
// writes to os.Stderr through the standard library's log package, the
// same fallback the etcd raft lineage has always used to keep the
// core itself free of a logging dependency.
type defaultLogger struct {
	*log.Logger
}

func newDefaultLogger() Logger {
	return &defaultLogger{Logger: log.New(os.Stderr, "raft: ", log.LstdFlags)}
}

func (l *defaultLogger) Debug(v ...interface{})                 { l.Println(v...) }
func (l *defaultLogger) Debugf(format string, v ...interface{})  { l.Printf(format, v...) }
func (l *defaultLogger) Info(v ...interface{})                   { l.Println(v...) }
func (l *defaultLogger) Infof(format string, v ...interface{})   { l.Printf(format, v...) }
func (l *defaultLogger) Warning(v ...interface{})                { l.Println(v...) }
func (l *defaultLogger) Warningf(format string, v ...interface{}) { l.Printf(format, v...) }
func (l *defaultLogger) Error(v ...interface{})                  { l.Println(v...) }
func (l *defaultLogger) Errorf(format string, v ...interface{})  { l.Printf(format, v...) }
func (l *defaultLogger) Panic(v ...interface{})                  { l.Logger.Panic(v...) }
func (l *defaultLogger) Panicf(format string, v ...interface{})  { l.Logger.Panicf(format, v...) }

// zapLogger adapts a *zap.Logger to Logger, the way etcdserver threads
// its own *zap.Logger into the raft stack via Config.Logger.
type zapLogger struct {
	lg *zap.SugaredLogger
}

// NewZapLogger wraps lg as a Logger.
func NewZapLogger(lg *zap.Logger) Logger {
	return &zapLogger{lg: lg.Sugar()}
}

func (z *zapLogger) Debug(v ...interface{})                  { z.lg.Debug(v...) }
func (z *zapLogger) Debugf(format string, v ...interface{})  { z.lg.Debugf(format, v...) }
func (z *zapLogger) Info(v ...interface{})                   { z.lg.Info(v...) }
func (z *zapLogger) Infof(format string, v ...interface{})   { z.lg.Infof(format, v...) }
func (z *zapLogger) Warning(v ...interface{})                { z.lg.Warn(v...) }
func (z *zapLogger) Warningf(format string, v ...interface{}) { z.lg.Warnf(format, v...) }
func (z *zapLogger) Error(v ...interface{})                  { z.lg.Error(v...) }
func (z *zapLogger) Errorf(format string, v ...interface{})  { z.lg.Errorf(format, v...) }
func (z *zapLogger) Panic(v ...interface{})                  { z.lg.Panic(v...) }
func (z *zapLogger) Panicf(format string, v ...interface{})  { z.lg.Panicf(format, v...) }
