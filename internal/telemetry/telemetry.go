// Package telemetry sends anonymous usage events to PostHog. It is off
// unless a project key is configured.
package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strconv"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/snakemake/snakeface/internal/version"
)

const defaultEndpoint = "https://eu.i.posthog.com"

// Options select the PostHog project.
type Options struct {
	Key      string
	Endpoint string
	// BatchSize is passed to the PostHog client; 0 uses its default.
	BatchSize int
}

var (
	client     posthog.Client
	distinctId string

	baseProps = posthog.NewProperties().
			Set("goos", runtime.GOOS).
			Set("goarch", runtime.GOARCH).
			Set("version", version.Version).
			Set("go_version", runtime.Version())
)

// Init starts the client. Without a key, or when the user opted out,
// every event is dropped.
func Init(opts Options) {
	if opts.Key == "" || isDisabled() {
		return
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	c, err := posthog.NewWithConfig(opts.Key, posthog.Config{
		Endpoint:  endpoint,
		BatchSize: opts.BatchSize,
		Logger:    logger{},
	})
	if err != nil {
		slog.Error("Failed to initialize PostHog client", "error", err)
		return
	}
	client = c
	distinctId = getDistinctId()
}

// Enabled reports whether events are being sent.
func Enabled() bool {
	return client != nil
}

func isDisabled() bool {
	if v, _ := strconv.ParseBool(os.Getenv("SNAKEFACE_TELEMETRY_DISABLED")); v {
		return true
	}
	if v, _ := strconv.ParseBool(os.Getenv("DO_NOT_TRACK")); v {
		return true
	}
	return false
}

// getDistinctId derives a stable id that does not reveal the machine id.
func getDistinctId() string {
	id, err := machineid.ProtectedID("snakeface")
	if err != nil {
		return "anonymous"
	}
	return id
}

func send(event string, props ...any) {
	if client == nil {
		return
	}
	err := client.Enqueue(posthog.Capture{
		DistinctId: distinctId,
		Event:      event,
		Properties: pairsToProps(props...).Merge(baseProps),
	})
	if err != nil {
		slog.Error("Failed to enqueue PostHog event", "event", event, "props", props, "error", err)
		return
	}
}

// Error reports an unexpected failure.
func Error(err any, props ...any) {
	if client == nil {
		return
	}
	props = append(
		[]any{
			"$exception_list",
			[]map[string]string{
				{"type": reflect.TypeOf(err).String(), "value": fmt.Sprintf("%v", err)},
			},
		},
		props...,
	)
	send("$exception", props...)
}

// Flush sends pending events and stops the client.
func Flush() {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		slog.Error("Failed to flush PostHog events", "error", err)
	}
	client = nil
}

func pairsToProps(props ...any) posthog.Properties {
	p := posthog.NewProperties()

	if !isEven(len(props)) {
		slog.Error("Event properties must be provided as key-value pairs", "props", props)
		return p
	}

	for i := 0; i < len(props); i += 2 {
		key := props[i].(string)
		value := props[i+1]
		p = p.Set(key, value)
	}
	return p
}

func isEven(n int) bool {
	return n%2 == 0
}
