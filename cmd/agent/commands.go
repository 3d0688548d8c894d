package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rigmarket/rigagent/pkg/agent"
	"github.com/rigmarket/rigagent/pkg/api"
	"github.com/rigmarket/rigagent/pkg/inventory"
	"github.com/rigmarket/rigagent/pkg/observability"
	"github.com/rigmarket/rigagent/pkg/provisioner"
	"github.com/rigmarket/rigagent/pkg/runtime"
)

const commandTimeout = 30 * time.Second

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "Rig Agent\n")
	fmt.Fprintf(w, "  Version:    %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Go Version: %s\n", goruntime.Version())
	fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the system snapshot sent to the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := commandSetup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			out, err := NewOutputter(viper.GetString("output"), cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			inv := inventory.NewSystemInventory(config.Inventory, logger)
			return printSnapshot(out, inventory.BuildSnapshot(ctx, inv, config.Location, logger))
		},
	}
}

func printSnapshot(out *Outputter, s *api.SystemSnapshot) error {
	return out.Print(s, func() ([]string, [][]string) {
		rows := [][]string{
			{"hostname", s.Hostname},
			{"ip_address", s.IPAddress},
			{"location", s.Location},
			{"total_ram_gb", formatFloat(s.TotalRAMGB)},
			{"ram_type", s.RAMType},
			{"cpu_usage", formatFloat(s.CPUUsage) + "%"},
			{"memory_usage", formatFloat(s.MemoryUsage) + "%"},
			{"gpu_usage", formatFloat(s.GPUUsage) + "%"},
			{"network", fmt.Sprintf("up %s Mbps, down %s Mbps", formatFloat(s.NetworkUsage.UpMbps), formatFloat(s.NetworkUsage.DownMbps))},
		}
		if s.CPUTemperature != nil {
			rows = append(rows, []string{"cpu_temperature", formatFloat(*s.CPUTemperature) + "C"})
		}
		for _, c := range s.HardwareInfo.CPUs {
			rows = append(rows, []string{"cpu", fmt.Sprintf("%s (%d cores, %d threads)", c.Model, c.Cores, c.Threads)})
		}
		for _, g := range s.HardwareInfo.GPUs {
			rows = append(rows, []string{fmt.Sprintf("gpu%d", g.Index), fmt.Sprintf("%s (%s GB)", g.Model, formatFloat(g.MemoryGB))})
		}
		for _, d := range s.HardwareInfo.Disks {
			rows = append(rows, []string{"disk " + d.Mountpoint, fmt.Sprintf("%s free of %s GB", formatFloat(d.FreeGB), formatFloat(d.TotalGB))})
		}
		for _, n := range s.HardwareInfo.Networks {
			rows = append(rows, []string{"nic " + n.Name, strings.Join(n.Addresses, ", ")})
		}
		return []string{"Field", "Value"}, rows
	})
}

func newIdentityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the registered agent identity",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the agent id",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := localConfig(viper.GetViper())
			if err != nil {
				return err
			}
			return showIdentity(cmd.OutOrStdout(), agent.NewIdentityStore(config.DataDir))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Forget the agent id so the next start registers again",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := localConfig(viper.GetViper())
			if err != nil {
				return err
			}
			store := agent.NewIdentityStore(config.DataDir)
			if err := store.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", store.Path())
			return nil
		},
	})

	return cmd
}

func showIdentity(w io.Writer, store *agent.IdentityStore) error {
	id, err := store.Load()
	if errors.Is(err, agent.ErrIdentityMissing) {
		fmt.Fprintf(w, "Not registered (%s does not exist)\n", store.Path())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, id)
	return nil
}

func newContainersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Manage task containers on this host",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List containers created by the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewOutputter(viper.GetString("output"), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return withProvisioner(cmd.Context(), func(ctx context.Context, prov *provisioner.Provisioner) error {
				return listContainers(ctx, prov, out)
			})
		},
	})

	rm := &cobra.Command{
		Use:   "rm <task_id>",
		Short: "Stop and remove the container of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			return withProvisioner(cmd.Context(), func(ctx context.Context, prov *provisioner.Provisioner) error {
				if err := prov.Remove(ctx, args[0], username); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", prov.ContainerName(args[0], username))
				return nil
			})
		},
	}
	rm.Flags().String("username", "", "SSH username, when container names carry it")
	cmd.AddCommand(rm)

	logs := &cobra.Command{
		Use:   "logs <task_id>",
		Short: "Print the output of a task container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			tail, _ := cmd.Flags().GetInt("tail")
			out, err := NewOutputter(viper.GetString("output"), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return withProvisioner(cmd.Context(), func(ctx context.Context, prov *provisioner.Provisioner) error {
				return printLogs(ctx, prov, out, args[0], username, tail)
			})
		},
	}
	logs.Flags().String("username", "", "SSH username, when container names carry it")
	logs.Flags().Int("tail", 100, "Number of lines to show, 0 for all")
	cmd.AddCommand(logs)

	return cmd
}

func listContainers(ctx context.Context, prov *provisioner.Provisioner, out *Outputter) error {
	records, err := prov.List(ctx)
	if err != nil {
		return err
	}

	return out.Print(records, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				r.TaskID,
				r.Name,
				string(r.Status),
				formatPort(r.SSHPort),
				formatPort(r.JupyterPort),
				r.Image,
			})
		}
		return []string{"Task", "Name", "Status", "SSH", "Jupyter", "Image"}, rows
	})
}

func printLogs(ctx context.Context, prov *provisioner.Provisioner, out *Outputter, taskID, username string, tail int) error {
	entries, err := prov.Logs(ctx, taskID, username, tail)
	if err != nil {
		return err
	}

	if out.Format() == OutputTable {
		for _, e := range entries {
			fmt.Fprintf(out.writer, "%s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Stream, e.Log)
		}
		return nil
	}
	return out.Print(entries, nil)
}

// withProvisioner connects to the engine and runs fn against a provisioner
// configured like the running agent
func withProvisioner(parent context.Context, fn func(context.Context, *provisioner.Provisioner) error) error {
	config, logger, err := commandSetup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := runtime.NewDockerRuntime(config.Docker, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrRuntimeUnavailable, err)
	}
	defer rt.Close()

	inv := inventory.NewSystemInventory(config.Inventory, logger)
	prov, err := provisioner.NewProvisioner(rt, inv, config.Provisioner, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()
	return fn(ctx, prov)
}

func commandSetup() (*agent.Config, *zap.Logger, error) {
	config, err := localConfig(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return config, logger, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatPort(port int) string {
	if port == 0 {
		return "-"
	}
	return strconv.Itoa(port)
}
