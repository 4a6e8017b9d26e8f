/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package logger

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRelayEncoderFormat(t *testing.T) {
	encoder, err := NewRelayEncoder(zap.NewDevelopmentEncoderConfig())
	if err != nil {
		t.Fatal(err)
	}

	encoder.AddString("node", "a1b2")

	entry := zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC),
		Message: "worker registered",
	}

	buf, err := encoder.EncodeEntry(entry, []zapcore.Field{
		zap.String("handle", "a1b2:7"),
		zap.String("tenant", "ABC DEF"),
		zap.Int("pending", 3),
	})
	if err != nil {
		t.Fatal(err)
	}

	line := buf.String()

	if !strings.HasPrefix(line, "2023-05-01T12:00:00.000Z I] worker registered") {
		t.Errorf("unexpected prefix in %q", line)
	}

	for _, expected := range []string{"handle=a1b2:7", "node=a1b2", "pending=3", `tenant="ABC DEF"`} {
		if !strings.Contains(line, expected) {
			t.Errorf("expected %q in %q", expected, line)
		}
	}
}

func TestRelayEncoderCloneKeepsContext(t *testing.T) {
	encoder, err := NewRelayEncoder(zap.NewDevelopmentEncoderConfig())
	if err != nil {
		t.Fatal(err)
	}

	encoder.AddString("node", "n1")
	clone := encoder.Clone()
	clone.AddString("handle", "n1:1")

	buf, err := encoder.EncodeEntry(zapcore.Entry{Message: "m"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(buf.String(), "handle=") {
		t.Error("fields added to a clone must not leak into the original")
	}
}
