package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/resume"
)

func init() {
	rootCmd.AddCommand(resumeCmd, resetCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Print the current resume draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := stateStore().Load(cmd.Context())
		if err != nil {
			return err
		}
		if st.ResumeContent == "" {
			fmt.Fprintln(cmd.OutOrStdout(), resume.OutputNotAvailable)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), st.ResumeContent)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start fresh: delete the conversation and the saved resume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := stateStore()
		st, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		if st.ThreadID != "" {
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.DeleteThread(cmd.Context(), st.ThreadID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("delete thread: %w", err)
			}
		}
		if err := store.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Conversation reset.")
		return nil
	},
}
