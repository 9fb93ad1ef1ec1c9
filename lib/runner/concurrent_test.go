// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hatchery-project/hatchery/lib/pipeline"
	"github.com/hatchery-project/hatchery/lib/testutil"
)

// TestConcurrentRunnersExecuteOnce races several runners over the
// same stores and project. The transform script appends a marker to a
// shared file on every real execution, so the marker count is the
// execution count regardless of which runner won.
func TestConcurrentRunnersExecuteOnce(t *testing.T) {
	e := newEnv(t)
	marker := filepath.Join(t.TempDir(), "executions")
	e.writeFile("data.csv", "a,b\n1,2\n")
	e.writeScript("count.sh", fmt.Sprintf(
		`echo ran >> %q; cat "$HATCHERY_INPUT_RAW" > "$HATCHERY_OUTPUT"`, marker))
	project := &pipeline.Project{
		Name: "race",
		Root: e.root,
		Steps: []pipeline.Step{
			{Name: "download", Kind: pipeline.KindFetch, Source: &pipeline.SourceSpec{URL: "data.csv"}, Output: "raw"},
			{Name: "count", Kind: pipeline.KindTransform, Script: "count.sh", DependsOn: []string{"download"}, Output: "count"},
		},
	}

	const racers = 4
	reports := make(chan *Report, racers)
	for range racers {
		go func() {
			racer := &Runner{
				Cache:    e.cache,
				Registry: e.registry,
				Logger:   slog.New(slog.DiscardHandler),
			}
			report, err := racer.Run(context.Background(), project, Options{})
			if err != nil {
				t.Errorf("Run: %v", err)
			}
			reports <- report
		}()
	}

	var outputs []string
	for range racers {
		report := testutil.RequireReceive(t, reports, 30*time.Second, "waiting for racing runner")
		if report == nil {
			continue
		}
		step := report.Steps["count"]
		if step.Status != StatusSuccess && step.Status != StatusSkipped {
			t.Errorf("count status = %s (err: %v)", step.Status, step.Err)
		}
		outputs = append(outputs, step.Output.String())
	}

	for _, output := range outputs[1:] {
		if output != outputs[0] {
			t.Errorf("racing runners produced different outputs: %s vs %s", outputs[0], output)
		}
	}

	markers, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("reading execution marker: %v", err)
	}
	if executions := strings.Count(string(markers), "ran"); executions != 1 {
		t.Errorf("transform executed %d times, want exactly 1", executions)
	}
}
