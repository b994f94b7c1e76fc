package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/types"
)

var resultRaw bool

var resultCmd = &cobra.Command{
	Use:   "result [job-id]",
	Short: "Print a finished job's critique from the local database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.New(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		job, err := st.GetJob(cmd.Context(), args[0])
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("no such job: %s", args[0])
		}
		if err != nil {
			return err
		}

		switch job.Status {
		case types.StatusError:
			return fmt.Errorf("job failed (%s): %s", job.ErrorKind, job.ErrorMessage)
		case types.StatusDone:
		default:
			return fmt.Errorf("job is %s (%d%%), not finished", job.Status, job.Percentage)
		}

		if resultRaw {
			fmt.Println(job.RenderedOutput)
			return nil
		}
		out, err := glamour.Render(job.RenderedOutput, "dark")
		if err != nil {
			fmt.Println(job.RenderedOutput)
			return nil
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	resultCmd.Flags().BoolVar(&resultRaw, "raw", false, "Print raw markdown without terminal styling")
}
