package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report level should be accepted: %v", err)
	}
}

func TestJSONOutputKeys(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("rate_limiter").WithFields(Fields{"credential": "abc"}).Info("hello")

	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "credential"} {
		if _, ok := out[key]; !ok {
			t.Errorf("missing key %s in %v", key, out)
		}
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	before := atomicWarns("counting_component")
	log.WithComponent("counting_component").Warn("careful")
	log.WithComponent("counting_component").Error("broken")
	if got := atomicWarns("counting_component"); got != before+1 {
		t.Fatalf("warns = %d, want %d", got, before+1)
	}
}

func atomicWarns(component string) int64 {
	return componentStats(component).warns
}

func TestIncrementCounter(t *testing.T) {
	IncrementCounter("test_counter", 2)
	IncrementCounter("test_counter", 3)
	if got := CounterValue("test_counter"); got != 5 {
		t.Fatalf("counter = %d, want 5", got)
	}
	if got := CounterValue("missing_counter"); got != 0 {
		t.Fatalf("missing counter = %d, want 0", got)
	}
}

type fakePublisher struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestLogMetricPublishes(t *testing.T) {
	pub := &fakePublisher{}
	setMetricPublisher(pub, "TestNS")
	defer setMetricPublisher(nil, "")

	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	log.LogMetric("rate_limiter", "rate_limited", int64(1), "counter", Fields{"credential": "k"})
	log.LogMetric("rate_limiter", "ignored", "not numeric", "counter", nil)

	if len(pub.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.inputs))
	}
	in := pub.inputs[0]
	if *in.Namespace != "TestNS" || *in.MetricData[0].MetricName != "rate_limited" {
		t.Fatalf("unexpected datum: %+v", in)
	}
	if len(in.MetricData[0].Dimensions) != 2 {
		t.Fatalf("expected component and credential dimensions, got %d", len(in.MetricData[0].Dimensions))
	}
}
