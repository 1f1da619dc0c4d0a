package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given the logger package", t, func() {
		Convey("When initialized with defaults", func() {
			err := Init()

			Convey("Then a global logger is available", func() {
				So(err, ShouldBeNil)
				So(Get(), ShouldNotBeNil)
				So(Sync(), ShouldBeNil)
			})
		})

		Convey("When initialized with an unknown format", func() {
			err := Init(WithFormat("xml"))

			Convey("Then it should fail", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "unknown log format")
			})
		})
	})
}

func TestLoggerOutput(t *testing.T) {
	Convey("Given a JSON logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		So(Init(WithFormat("json"), WithWriter(&buf)), ShouldBeNil)
		ctx := context.Background()

		Convey("When logging with fields", func() {
			Named("engine").Info(ctx, "submission accepted",
				String("device_id", "dev-1"),
				Int64("count", 2),
				Bool("duplicate", false),
			)

			Convey("Then the record carries the fields, logger name and caller", func() {
				var rec map[string]any
				So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
				So(rec["msg"], ShouldEqual, "submission accepted")
				So(rec["device_id"], ShouldEqual, "dev-1")
				So(rec["count"], ShouldEqual, float64(2))
				So(rec["duplicate"], ShouldEqual, false)
				So(rec["logger"], ShouldEqual, "engine")
				So(rec["source"], ShouldContainSubstring, "logger_test.go")
			})
		})

		Convey("When the level filters the record out", func() {
			So(SetLevelString("warn"), ShouldBeNil)
			Get().Info(ctx, "hidden")
			Get().Warn(ctx, "shown")
			_ = SetLevelString("info")

			Convey("Then only the warning is written", func() {
				So(buf.String(), ShouldNotContainSubstring, "hidden")
				So(buf.String(), ShouldContainSubstring, "shown")
			})
		})
	})
}

func TestLoggerFile(t *testing.T) {
	Convey("Given a logger mirrored into a file", t, func() {
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "guidepulse.log")
		So(Init(WithWriter(&buf), WithFile(path)), ShouldBeNil)

		Convey("When logging a message", func() {
			Get().Info(context.Background(), "fan-out", String("k", "v"))
			So(Sync(), ShouldBeNil)

			Convey("Then both destinations receive it", func() {
				data, err := os.ReadFile(path)
				So(err, ShouldBeNil)
				So(string(data), ShouldContainSubstring, "fan-out")
				So(buf.String(), ShouldContainSubstring, "fan-out")
			})
		})

		Reset(func() {
			_ = Init()
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		for _, lvl := range []string{"debug", "INFO", " warn ", "warning", "error", ""} {
			So(SetLevelString(lvl), ShouldBeNil)
		}
		err := SetLevelString("verbose")
		So(err, ShouldNotBeNil)
		So(strings.Contains(err.Error(), "unknown log level"), ShouldBeTrue)
		_ = SetLevelString("info")
	})
}
