package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/spindle/pkg/client"
	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Submit and control drivers running inside the cluster",
}

var driverSubmitCmd = &cobra.Command{
	Use:   "submit MASTER_URL -- COMMAND [ARGS...]",
	Short: "Launch a driver on a worker",
	Long: `Launch a driver on a worker chosen by the active master.

Examples:
  spindle driver submit spindle://m1:7077,m2:7077 --cores 2 --memory 2048 --supervise -- /opt/app/bin/driver --input s3://bucket/in`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDriverSubmit,
}

var driverKillCmd = &cobra.Command{
	Use:   "kill MASTER_URL DRIVER_ID",
	Short: "Kill a driver",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, args[0], func(ctx context.Context, c *client.Client) error {
			resp, err := c.KillDriver(ctx, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			if !resp.Success {
				return fmt.Errorf("kill of %s was not accepted", args[1])
			}
			return nil
		})
	},
}

var driverStatusCmd = &cobra.Command{
	Use:   "status MASTER_URL DRIVER_ID",
	Short: "Show where a driver stands",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, args[0], func(ctx context.Context, c *client.Client) error {
			resp, err := c.DriverStatus(ctx, args[1])
			if err != nil {
				return err
			}
			printDriverStatus(cmd, args[1], resp)
			return nil
		})
	},
}

func init() {
	addDriverSubmitFlags(driverSubmitCmd)

	driverCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Timeout of each request")
	driverCmd.AddCommand(driverSubmitCmd)
	driverCmd.AddCommand(driverKillCmd)
	driverCmd.AddCommand(driverStatusCmd)
	rootCmd.AddCommand(driverCmd)
}

func addDriverSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().Int("cores", 1, "Cores for the driver")
	cmd.Flags().Int("memory", 1024, "Memory for the driver, in MB")
	cmd.Flags().Bool("supervise", false, "Restart the driver when it fails")
	cmd.Flags().String("jar-url", "", "Location of the application the driver runs")
	cmd.Flags().StringToString("env", nil, "Environment of the driver process")
	cmd.Flags().Bool("wait", false, "Wait for the driver to finish")
}

// driverDescription builds the description from submit flags and the
// command after MASTER_URL
func driverDescription(cmd *cobra.Command, command []string) types.DriverDescription {
	flags := cmd.Flags()
	cores, _ := flags.GetInt("cores")
	memory, _ := flags.GetInt("memory")
	supervise, _ := flags.GetBool("supervise")
	jarURL, _ := flags.GetString("jar-url")
	env, _ := flags.GetStringToString("env")

	return types.DriverDescription{
		JarURL:    jarURL,
		MemoryMB:  memory,
		Cores:     cores,
		Supervise: supervise,
		Command:   types.Command{Path: command[0], Args: command[1:], Env: env},
	}
}

func runDriverSubmit(cmd *cobra.Command, args []string) error {
	desc := driverDescription(cmd, args[1:])
	wait, _ := cmd.Flags().GetBool("wait")

	return withClient(cmd, args[0], func(ctx context.Context, c *client.Client) error {
		resp, err := c.SubmitDriver(ctx, desc)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		if !resp.Success {
			return fmt.Errorf("driver submission was not accepted")
		}
		if !wait {
			return nil
		}

		waitCtx, cancel := signalContext()
		defer cancel()
		status, err := c.WaitForDriver(waitCtx, resp.DriverID, time.Second)
		if err != nil {
			return err
		}
		printDriverStatus(cmd, resp.DriverID, status)
		if status.State != types.DriverFinished {
			return fmt.Errorf("driver %s ended %s", resp.DriverID, status.State)
		}
		return nil
	})
}

// withClient dials the masters, runs fn under the request timeout and
// closes the client
func withClient(cmd *cobra.Command, masterURL string, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(cfg.Log)

	c, err := client.Dial(cfg.RPC, masterURL)
	if err != nil {
		return err
	}
	defer c.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func printDriverStatus(cmd *cobra.Command, driverID string, resp *messages.DriverStatusResponse) {
	out := cmd.OutOrStdout()
	if !resp.Found {
		fmt.Fprintf(out, "Driver %s not found\n", driverID)
		return
	}
	fmt.Fprintf(out, "Driver %s is %s\n", driverID, resp.State)
	if resp.WorkerID != "" {
		fmt.Fprintf(out, "  Worker: %s (%s)\n", resp.WorkerID, resp.WorkerHostPort)
	}
	if resp.Exception != "" {
		fmt.Fprintf(out, "  Exception: %s\n", resp.Exception)
	}
}
