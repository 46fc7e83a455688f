package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KingCide/Mariner/internal/catalog"
	"github.com/KingCide/Mariner/internal/config"
	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/dispatcher"
	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logging"
)

// CLI commands keep the log quiet so their output stays readable.
const cliLogLevel = "warn"

var cmdTimeout time.Duration

func withStack(fn func(ctx context.Context, s *stack) error) error {
	s, err := setup(cliLogLevel)
	if err != nil {
		return err
	}
	defer logging.Close()
	defer database.Close()
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	return fn(ctx, s)
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage the host catalog",
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored hosts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(func(ctx context.Context, s *stack) error {
			entries, err := catalog.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No hosts configured.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tENDPOINT\tAUTO")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
					e.Descriptor.ID, e.Descriptor.DisplayName(), e.Descriptor.Kind(), endpoint(e.Descriptor), e.AutoConnect)
			}
			return tw.Flush()
		})
	},
}

func endpoint(d dockerhost.Descriptor) string {
	switch c := d.Config.(type) {
	case dockerhost.LocalConfig:
		if c.SocketPath != "" {
			return c.SocketPath
		}
		return "(default socket)"
	case dockerhost.TCPConfig:
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	case dockerhost.SSHConfig:
		return fmt.Sprintf("%s@%s:%d", c.Username, c.Host, c.SSHPort())
	}
	return ""
}

var hostsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import hosts from a YAML hosts file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := config.LoadHostsFile(args[0])
		if err != nil {
			return err
		}
		return withStack(func(ctx context.Context, s *stack) error {
			n, err := catalog.Import(entries)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Imported %d host(s)\n", n)
			return nil
		})
	},
}

var hostsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a host from the catalog",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(func(ctx context.Context, s *stack) error {
			if err := catalog.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Removed %s\n", args[0])
			return nil
		})
	},
}

var hostsTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Check that a stored host is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(func(ctx context.Context, s *stack) error {
			e, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			if _, err := s.registry.TestConnection(ctx, e.Descriptor); err != nil {
				return fmt.Errorf("%s unreachable (%s): %w", args[0], dockerhost.KindOf(err), err)
			}
			fmt.Printf("✓ %s reachable\n", e.Descriptor.DisplayName())
			return nil
		})
	},
}

var psAll bool

var psCmd = &cobra.Command{
	Use:   "ps <host-id>",
	Short: "List containers on a stored host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(func(ctx context.Context, s *stack) error {
			e, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			summary, err := s.registry.Connect(ctx, e.Descriptor)
			if err != nil {
				return err
			}
			list, err := s.dispatcher.ListContainers(ctx, e.Descriptor.ID, dispatcher.ListOptions{})
			if err != nil {
				return err
			}

			fmt.Printf("%s: Docker %s on %s, %d running / %d total\n\n",
				e.Descriptor.DisplayName(), summary.Version, summary.OS, list.Stats.RunningCount, list.Stats.TotalCount)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONTAINER ID\tNAME\tIMAGE\tSTATUS\tPORTS")
			for _, c := range list.Containers {
				if !psAll && c.Status != dispatcher.StatusRunning {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(c.ID), c.Name, c.Image, c.Status, formatPorts(c.Ports))
			}
			return tw.Flush()
		})
	},
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatPorts(ports []dispatcher.Port) string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.PublicPort != 0 {
			out = append(out, fmt.Sprintf("%d->%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			continue
		}
		out = append(out, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
	}
	return strings.Join(out, ", ")
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", time.Minute, "timeout for CLI commands")
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "show all containers, not only running ones")
}
