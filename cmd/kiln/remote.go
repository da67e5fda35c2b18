package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/client"
	"github.com/seantiz/kiln/internal/model"
)

var (
	flagJobConfig string        // value of --job-config flag
	flagWait      bool          // value of --wait flag
	flagPoll      time.Duration // value of --poll flag
	flagGrace     time.Duration // value of --grace flag
)

func remoteCommands() []*cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a job; the config is read from --job-config or stdin",
		Args:  cobra.NoArgs,
		RunE:  doSubmit,
	}
	submitCmd.Flags().StringVar(&flagJobConfig, "job-config", "", "job config as a JSON object, or @file")
	submitCmd.Flags().BoolVar(&flagWait, "wait", false, "wait for the job to finish and print the result")
	submitCmd.Flags().DurationVar(&flagPoll, "poll", 500*time.Millisecond, "poll interval for --wait")

	fetchCmd := &cobra.Command{
		Use:   "fetch TOKEN",
		Short: "print the status, progress and output of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  doFetch,
	}

	updateCmd := &cobra.Command{
		Use:   "update TOKEN",
		Short: "replace the config of a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE:  doUpdate,
	}
	updateCmd.Flags().StringVar(&flagJobConfig, "job-config", "", "job config as a JSON object, or @file")

	deleteCmd := &cobra.Command{
		Use:   "delete TOKEN",
		Short: "delete a finished job",
		Args:  cobra.ExactArgs(1),
		RunE:  doDelete,
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "print queued and running tokens",
		Args:  cobra.NoArgs,
		RunE:  doQueue,
	}

	resourcesCmd := &cobra.Command{
		Use:   "resources",
		Short: "print device unit occupancy",
		Args:  cobra.NoArgs,
		RunE:  doResources,
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "ask the server to shut down",
		Args:  cobra.NoArgs,
		RunE:  doStop,
	}
	stopCmd.Flags().DurationVar(&flagGrace, "grace", 10*time.Second, "how long running jobs get to finish")

	return []*cobra.Command{submitCmd, fetchCmd, updateCmd, deleteCmd, queueCmd, resourcesCmd, stopCmd}
}

func newClient() (*client.Client, error) {
	return client.New(flagServerURL)
}

func doSubmit(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	config, err := readJobConfig(cmd.InOrStdin())
	if err != nil {
		return err
	}

	token, err := c.Submit(cmd.Context(), config)
	if err != nil {
		return err
	}
	if !flagWait {
		return printJSON(cmd.OutOrStdout(), map[string]string{"token": token})
	}

	resp, err := c.Wait(cmd.Context(), token, flagPoll)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func doFetch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Fetch(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func doUpdate(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	config, err := readJobConfig(cmd.InOrStdin())
	if err != nil {
		return err
	}
	return c.Update(cmd.Context(), args[0], config)
}

func doDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return c.Delete(cmd.Context(), args[0])
}

func doQueue(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	snap, err := c.Queue(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func doResources(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Resources(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func doStop(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return c.Stop(cmd.Context(), flagGrace)
}

// readJobConfig parses --job-config, an @file reference, or stdin when the
// flag is empty.
func readJobConfig(stdin io.Reader) (model.Values, error) {
	var raw []byte
	var err error
	switch {
	case flagJobConfig == "":
		raw, err = io.ReadAll(stdin)
	case flagJobConfig[0] == '@':
		raw, err = os.ReadFile(flagJobConfig[1:])
	default:
		raw = []byte(flagJobConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("read job config: %w", err)
	}

	var config model.Values
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("parse job config: %w", err)
	}
	return config, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
