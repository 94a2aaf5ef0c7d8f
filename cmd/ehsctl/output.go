package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/workflow"
)

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

func printSteps(out io.Writer, steps []workflow.StepResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTEP\tHANDLERS\tCC\tMATCHED BY\tERROR")
	for _, s := range steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", s.StepIndex, s.StepID, names(s.Handlers), names(s.CC), s.MatchedBy, s.Error)
	}
	w.Flush()
}

func names(refs []entity.UserRef) string {
	if len(refs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, r.ID+"("+r.Name+")")
	}
	return strings.Join(parts, ",")
}
