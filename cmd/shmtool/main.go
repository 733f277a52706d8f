// shmtool inspects and manages the shared-memory segments of the real-time
// interprocess synchronization layer.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/intrinsic-dev/rtipc/remotetrigger"
	"github.com/intrinsic-dev/rtipc/shm"
)

const (
	keyNamespace = "namespace"
	keyTimeout   = "timeout"
)

const shmDir = "/dev/shm"

var rootCmd = &cobra.Command{
	Use:   "shmtool",
	Short: "Inspect and manage real-time IPC shared-memory segments",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog insists on flag.Parse having run.
		_ = flag.CommandLine.Parse([]string{})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List shared-memory segments in the namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(shmDir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", shmDir, err)
		}
		prefix := ""
		if ns := viper.GetString(keyNamespace); ns != "" {
			prefix = ns + "."
		}
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), prefix) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				glog.Warningf("Skipping %q: %v", entry.Name(), err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-60s %8d\n", entry.Name(), info.Size())
		}
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <name>",
	Short: "Show the segment header of a shared-memory segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		segment, err := shm.OpenReadOnly(viper.GetString(keyNamespace), args[0])
		if err != nil {
			return err
		}
		defer func() {
			if err := segment.Close(); err != nil {
				glog.Warningf("Failed to close segment: %v", err)
			}
		}()

		header := segment.Header()
		updated, cycle := header.UpdateStamp()
		updatedStr := "never"
		if !updated.IsZero() {
			updatedStr = updated.Format(time.RFC3339Nano)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "name:         %s\n", segment.Name())
		fmt.Fprintf(out, "payload size: %d\n", len(segment.Bytes()))
		// The reader count includes this stat command's own attachment.
		fmt.Fprintf(out, "writers:      %d\n", header.WriterRefCount())
		fmt.Fprintf(out, "readers:      %d\n", header.ReaderRefCount())
		fmt.Fprintf(out, "updated:      %s\n", updatedStr)
		fmt.Fprintf(out, "cycle:        %d\n", cycle)
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <name>",
	Short: "Remove a shared-memory segment left behind by a crashed owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return shm.Unlink(viper.GetString(keyNamespace), args[0])
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <server>",
	Short: "Fire a remote trigger server and time the round trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := remotetrigger.NewClient(viper.GetString(keyNamespace), args[0])
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				glog.Warningf("Failed to close trigger client: %v", err)
			}
		}()

		start := time.Now()
		if err := client.TriggerFor(viper.GetDuration(keyTimeout)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "round trip: %v\n", time.Since(start))
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String(keyNamespace, "", "namespace prefix for segment names")
	rootCmd.PersistentFlags().Duration(keyTimeout, 5*time.Second, "deadline for blocking operations")
	cobra.CheckErr(viper.BindPFlag(keyNamespace, rootCmd.PersistentFlags().Lookup(keyNamespace)))
	cobra.CheckErr(viper.BindPFlag(keyTimeout, rootCmd.PersistentFlags().Lookup(keyTimeout)))
	viper.SetEnvPrefix("SHMTOOL")
	viper.AutomaticEnv()

	rootCmd.AddCommand(lsCmd, statCmd, unlinkCmd, triggerCmd, selftestCmd)
	cobra.CheckErr(rootCmd.Execute())
}
