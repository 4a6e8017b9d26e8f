/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package logger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

func levelLetter(l zapcore.Level) string {
	switch l {
	case zapcore.DebugLevel:
		return "D"
	case zapcore.InfoLevel:
		return "I"
	case zapcore.WarnLevel:
		return "W"
	case zapcore.ErrorLevel:
		return "E"
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return "P"
	case zapcore.FatalLevel:
		return "F"
	}

	return "U"
}

// A zap encoder for the relay log convention.
// Writes out <date> <caller:line> <level>] <message> key=value ...
type relayEncoder struct {
	*zapcore.MapObjectEncoder

	lineEnding string
	withCaller bool
	withStack  bool

	pool buffer.Pool
}

func NewRelayEncoder(cfg zapcore.EncoderConfig) (zapcore.Encoder, error) {
	lineEnding := cfg.LineEnding
	if lineEnding == "" {
		lineEnding = zapcore.DefaultLineEnding
	}

	return &relayEncoder{
		MapObjectEncoder: zapcore.NewMapObjectEncoder(),
		lineEnding:       lineEnding,
		withCaller:       cfg.CallerKey != "",
		withStack:        cfg.StacktraceKey != "",
		pool:             buffer.NewPool(),
	}, nil
}

func (enc *relayEncoder) Clone() zapcore.Encoder {
	clone := &relayEncoder{
		MapObjectEncoder: zapcore.NewMapObjectEncoder(),
		lineEnding:       enc.lineEnding,
		withCaller:       enc.withCaller,
		withStack:        enc.withStack,
		pool:             enc.pool,
	}

	for key, value := range enc.Fields {
		clone.Fields[key] = value
	}

	return clone
}

func (enc *relayEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := enc.pool.Get()

	line.AppendString(ent.Time.Format("2006-01-02T15:04:05.000Z0700"))

	if enc.withCaller && ent.Caller.Defined {
		line.AppendByte(' ')
		line.AppendString(ent.Caller.TrimmedPath())
	}

	line.AppendByte(' ')
	line.AppendString(levelLetter(ent.Level))
	line.AppendString("] ")

	if ent.LoggerName != "" {
		line.AppendString(ent.LoggerName)
		line.AppendString(": ")
	}

	line.AppendString(ent.Message)

	merged := zapcore.NewMapObjectEncoder()
	for key, value := range enc.Fields {
		merged.Fields[key] = value
	}
	for _, field := range fields {
		field.AddTo(merged)
	}

	keys := make([]string, 0, len(merged.Fields))
	for key := range merged.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		line.AppendByte(' ')
		line.AppendString(key)
		line.AppendByte('=')
		line.AppendString(formatValue(merged.Fields[key]))
	}

	if enc.withStack && ent.Stack != "" {
		line.AppendString(enc.lineEnding)
		line.AppendString(ent.Stack)
	}

	line.AppendString(enc.lineEnding)
	return line, nil
}

func formatValue(value any) string {
	text := fmt.Sprint(value)
	if text == "" || strings.ContainsAny(text, " \t\n\"=") {
		return strconv.Quote(text)
	}

	return text
}
