package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("job history is disabled, set store.path in the configuration")
	}
	defer st.Close()

	jobs, err := st.ListJobs(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No reconstruction jobs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tMODE\tSTATE\tSTARTED\tDURATION\tINSERTED\tSKIPPED\tDIMS\tOUTPUT")
	for _, rec := range jobs {
		dims := "-"
		if rec.Dims != [3]int{} {
			dims = fmt.Sprintf("%dx%dx%d", rec.Dims[0], rec.Dims[1], rec.Dims[2])
		}
		output := rec.OutputPath
		if rec.Reason != "" {
			output = rec.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			rec.ID, rec.Mode, rec.State,
			rec.StartedAt.Format(time.DateTime),
			rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond),
			rec.FramesInserted, rec.FramesSkipped, dims, output)
	}
	return w.Flush()
}
