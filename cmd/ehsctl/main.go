package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/orgchart"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/workflow"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}
	if err := newApp(os.Stdout).Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "ehsctl",
		Usage:  "EHS workflow definition tooling",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "external workflow definition directory (overrides built-ins)"},
			&cli.BoolFlag{Name: "verbose", Usage: "log resolution diagnostics to stderr"},
		},
		Commands: []*cli.Command{
			validateCommand(),
			previewCommand(),
			dispatchCommand(),
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate workflow definitions and print lint warnings",
		Action: func(ctx context.Context, c *cli.Command) error {
			reg, err := workflow.LoadRegistry(c.String("dir"))
			if err != nil {
				return err
			}
			out := c.Root().Writer
			for _, t := range reg.Types() {
				def, _ := reg.Get(t)
				fmt.Fprintf(out, "%s (%s): %d steps, actions %s\n", def.Type, def.Name, len(def.Steps), strings.Join(def.ActionNames(), ","))
				for _, w := range def.Lint() {
					fmt.Fprintf(out, "  warning: %s\n", w)
				}
			}
			return nil
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Resolve every step of a case against an org chart fixture",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Required: true, Usage: "workflow type (hazard|incident)"},
			&cli.StringFlag{Name: "org", Required: true, Usage: "org chart YAML (users, departments)"},
			&cli.StringFlag{Name: "case", Required: true, Usage: "case YAML"},
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			def, dir, kase, err := loadInputs(c)
			if err != nil {
				return err
			}
			res := newEngine(c).ResolveWorkflow(def, kase.Case, dir, nil)
			out := c.Root().Writer
			if c.Bool("json") {
				return printJSON(out, res)
			}
			printSteps(out, res.Steps)
			if !res.Success {
				return fmt.Errorf("some steps could not be resolved")
			}
			return nil
		},
	}
}

func dispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "Simulate one action on a case without persisting anything",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Required: true},
			&cli.StringFlag{Name: "org", Required: true},
			&cli.StringFlag{Name: "case", Required: true},
			&cli.StringFlag{Name: "action", Required: true},
			&cli.StringFlag{Name: "operator", Usage: "operator user id"},
			&cli.StringFlag{Name: "comment"},
			&cli.StringSliceFlag{Name: "set", Usage: "field=value applied to the case before resolution"},
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			def, dir, kase, err := loadInputs(c)
			if err != nil {
				return err
			}
			extra, err := parseAssignments(c.StringSlice("set"))
			if err != nil {
				return err
			}
			for k, v := range extra {
				if entity.IsDepartmentField(k) {
					extra[k] = dir.CanonicalDepartmentID(v)
				}
			}
			operator := entity.UserRef{ID: c.String("operator")}
			if u := dir.User(operator.ID); u != nil {
				operator.Name = u.Name
			}
			res := newEngine(c).Dispatch(workflow.DispatchInput{
				Definition:       def,
				Case:             kase.Case,
				Action:           c.String("action"),
				Operator:         operator,
				Directory:        dir,
				CurrentStepIndex: kase.StepIndex,
				Comment:          c.String("comment"),
				Extra:            extra,
			})
			out := c.Root().Writer
			if c.Bool("json") {
				return printJSON(out, res)
			}
			if !res.Success {
				return fmt.Errorf("dispatch failed: %s", res.Error)
			}
			fmt.Fprintf(out, "%s: %s -> %s (step %d %s)\n", res.Action, res.FromStatus, res.NewStatus, res.NextStepIndex, res.NextStepName)
			printSteps(out, []workflow.StepResult{res.Step})
			fmt.Fprintln(out, res.LogEntry.Message)
			for _, n := range res.Notifications {
				fmt.Fprintf(out, "  notify %-14s %s %s\n", n.Kind, n.UserID, n.Title)
			}
			return nil
		},
	}
}

func newEngine(c *cli.Command) *workflow.Engine {
	if !c.Bool("verbose") {
		return workflow.NewEngine(nil)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return workflow.NewEngine(nil)
	}
	return workflow.NewEngine(logger)
}

// orgFile 组织架构夹具
type orgFile struct {
	Users       []entity.User       `yaml:"users"`
	Departments []entity.Department `yaml:"departments"`
}

// caseFixture 案件夹具；StepIndex 为 nil 表示夹具未给出 current_step_index，按状态反查
type caseFixture struct {
	*entity.Case
	StepIndex *int
}

func loadInputs(c *cli.Command) (*workflow.Definition, *orgchart.Index, caseFixture, error) {
	reg, err := workflow.LoadRegistry(c.String("dir"))
	if err != nil {
		return nil, nil, caseFixture{}, err
	}
	def, ok := reg.Get(c.String("type"))
	if !ok {
		return nil, nil, caseFixture{}, fmt.Errorf("unknown workflow type %q (known: %s)", c.String("type"), strings.Join(reg.Types(), ", "))
	}
	dir, err := loadOrg(c.String("org"))
	if err != nil {
		return nil, nil, caseFixture{}, err
	}
	def = def.WithDepartments(dir)
	kase, err := loadCase(c.String("case"), def)
	if err != nil {
		return nil, nil, caseFixture{}, err
	}
	if kase.ReporterDepartmentID == "" {
		if u := dir.User(kase.ReporterID); u != nil {
			kase.ReporterDepartmentID = u.DepartmentID
		}
	}
	kase.CanonicalDepartments(dir.CanonicalDepartmentID)
	def.ApplyAssignment(kase.Case)
	return def, dir, kase, nil
}

func loadOrg(path string) (*orgchart.Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read org chart: %w", err)
	}
	var f orgFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse org chart %s: %w", path, err)
	}
	return orgchart.NewIndex(f.Users, f.Departments), nil
}

func loadCase(path string, def *workflow.Definition) (caseFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return caseFixture{}, fmt.Errorf("read case: %w", err)
	}
	var c entity.Case
	if err := yaml.Unmarshal(data, &c); err != nil {
		return caseFixture{}, fmt.Errorf("parse case %s: %w", path, err)
	}
	var pos struct {
		CurrentStepIndex *int `yaml:"current_step_index"`
	}
	if err := yaml.Unmarshal(data, &pos); err != nil {
		return caseFixture{}, fmt.Errorf("parse case %s: %w", path, err)
	}
	c.WorkflowType = def.Type
	if pos.CurrentStepIndex != nil {
		if def.Step(*pos.CurrentStepIndex) == nil {
			return caseFixture{}, fmt.Errorf("case %s: current_step_index %d out of range", path, *pos.CurrentStepIndex)
		}
		if c.Status == "" {
			c.Status = def.StatusFor(def.Steps[*pos.CurrentStepIndex].ID)
		}
	}
	if c.Status == "" && len(def.Steps) > 0 {
		c.Status = def.StatusFor(def.Steps[0].ID)
	}
	return caseFixture{Case: &c, StepIndex: pos.CurrentStepIndex}, nil
}

func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q, want field=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
