package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/abkit/internal/experiments"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{
		"serve", "create", "list", "show", "start", "pause", "resume", "end",
		"weights", "assign", "expose", "convert", "results", "delete",
	}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("ABKIT_CONFIG", "/etc/abkit/env.yaml")
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("flag should win, got %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/abkit/env.yaml" {
		t.Fatalf("env should be used, got %q", got)
	}
}

func TestParseVariants(t *testing.T) {
	variants, err := parseVariants([]string{"control:30", "friendly:70"})
	if err != nil {
		t.Fatalf("parseVariants() error = %v", err)
	}
	if variants[0].ID != "control" || variants[0].Weight != 30 || variants[1].Weight != 70 {
		t.Fatalf("unexpected variants: %+v", variants)
	}

	even, err := parseVariants([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("parseVariants() error = %v", err)
	}
	for _, v := range even {
		if v.Weight != 1 {
			t.Fatalf("expected even weights, got %+v", even)
		}
	}

	if _, err := parseVariants([]string{"a:10", "b"}); err == nil {
		t.Fatal("expected error for mixed weights")
	}
	if _, err := parseVariants([]string{"a:lots"}); err == nil {
		t.Fatal("expected error for bad weight")
	}
}

func TestDefinitionFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greeting.yaml")
	body := `
id: greeting
name: Greeting copy
variants:
  - id: control
    weight: 50
  - id: friendly
    name: Friendly opener
    weight: 50
sample_size: 400
auto_select_winner: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	def, err := definitionFromOptions(createOptions{file: path, name: "Override"})
	if err != nil {
		t.Fatalf("definitionFromOptions() error = %v", err)
	}
	if def.ID != "greeting" || def.Name != "Override" || def.SampleSize != 400 || !def.AutoSelectWinner {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if len(def.Variants) != 2 || def.Variants[1].Name != "Friendly opener" {
		t.Fatalf("unexpected variants: %+v", def.Variants)
	}
}

type cli struct {
	t          *testing.T
	configPath string
}

func newCLI(t *testing.T, storage string) *cli {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "abkit.yaml")
	body := "logging:\n  level: error\n" + strings.ReplaceAll(storage, "$DIR", dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cli{t: t, configPath: path}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", c.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("abkit %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestCLIWorkflow(t *testing.T) {
	for _, codec := range []string{"json", "msgpack"} {
		t.Run(codec, func(t *testing.T) {
			c := newCLI(t, "storage:\n  driver: sqlite\n  dsn: $DIR/abkit.db\n  codec: "+codec+"\n")

			if got := c.mustRun("create", "--id", "greeting", "--name", "Greeting copy",
				"--variant", "control:50", "--variant", "friendly:50"); strings.TrimSpace(got) != "greeting" {
				t.Fatalf("create printed %q", got)
			}
			if _, err := c.run("assign", "greeting", "lead-1"); err == nil {
				t.Fatal("assign should fail while draft")
			}
			if got := c.mustRun("start", "greeting"); !strings.Contains(got, "draft -> running") {
				t.Fatalf("start printed %q", got)
			}

			first := strings.TrimSpace(c.mustRun("assign", "greeting", "lead-1"))
			if first != "control" && first != "friendly" {
				t.Fatalf("unexpected variant %q", first)
			}
			for i := 0; i < 3; i++ {
				if again := strings.TrimSpace(c.mustRun("assign", "greeting", "lead-1")); again != first {
					t.Fatalf("assignment changed across invocations: %q -> %q", first, again)
				}
			}

			c.mustRun("convert", "greeting", "lead-1", "--subject", "--revenue", "1200", "--interest-score", "8")
			c.mustRun("expose", "greeting", "control")
			if _, err := c.run("expose", "greeting", "nope"); err == nil {
				t.Fatal("expose should reject unknown variants")
			}

			var res experiments.ExperimentResult
			if err := json.Unmarshal([]byte(c.mustRun("results", "greeting", "--json")), &res); err != nil {
				t.Fatalf("decode results: %v", err)
			}
			if res.OverallSampleSize != 2 {
				t.Fatalf("overall sample size = %d, want 2", res.OverallSampleSize)
			}
			converted, _ := res.Variant(first)
			if converted.Stats.Conversions != 1 || converted.Stats.TotalRevenue != 1200 {
				t.Fatalf("unexpected stats for %s: %+v", first, converted.Stats)
			}

			if text := c.mustRun("results", "greeting"); !strings.Contains(text, "Need 98 more samples") {
				t.Fatalf("results text missing recommendation:\n%s", text)
			}
			if _, err := c.run("delete", "greeting"); err == nil {
				t.Fatal("delete should fail while running")
			}
			if _, err := c.run("end", "greeting", "--winner", "nope"); err == nil {
				t.Fatal("end should reject unknown winners")
			}
			if got := c.mustRun("end", "greeting", "--winner", "friendly"); !strings.Contains(got, "running -> completed") {
				t.Fatalf("end printed %q", got)
			}
			if list := c.mustRun("list"); !strings.Contains(list, "greeting") || !strings.Contains(list, "friendly") {
				t.Fatalf("list output:\n%s", list)
			}
			c.mustRun("delete", "greeting")
			if list := c.mustRun("list"); !strings.Contains(list, "No experiments found.") {
				t.Fatalf("list after delete:\n%s", list)
			}
		})
	}
}

func TestCLIWeightsAndShow(t *testing.T) {
	c := newCLI(t, "storage:\n  driver: sqlite\n  dsn: $DIR/abkit.db\n")
	c.mustRun("create", "--id", "subject-line", "--variant", "a", "--variant", "b")
	out := c.mustRun("weights", "subject-line", "--set", "a=1", "--set", "b=3")
	if !strings.Contains(out, "75.00") {
		t.Fatalf("weights output:\n%s", out)
	}

	var shown struct {
		Experiment experiments.Experiment `json:"experiment"`
	}
	if err := json.Unmarshal([]byte(c.mustRun("show", "subject-line")), &shown); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if shown.Experiment.Variants[1].Weight != 75 || shown.Experiment.Status != experiments.StatusDraft {
		t.Fatalf("unexpected experiment: %+v", shown.Experiment)
	}
	if _, err := c.run("show", "missing"); err == nil {
		t.Fatal("show should fail for unknown experiments")
	}
}
