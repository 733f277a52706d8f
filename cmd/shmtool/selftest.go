package main

import (
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/intrinsic-dev/rtipc/remotetrigger"
	"github.com/intrinsic-dev/rtipc/shm"
)

var selftestRounds int

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run an in-process trigger round trip to verify futex wake latency",
	Long: `Creates a throwaway namespace, starts a remote trigger server in this
process, fires it repeatedly through the shared-memory path and reports the
round-trip times. Useful to verify that futex wake-ups work on a target
machine (containers sometimes mount /dev/shm too small or noexec).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if selftestRounds <= 0 {
			return fmt.Errorf("--rounds must be positive, got %d", selftestRounds)
		}
		// A unique namespace so concurrent selftests don't collide.
		namespace := "shmtool-selftest-" + uuid.New()

		manager, err := shm.NewManager(namespace, "selftest")
		if err != nil {
			return err
		}
		defer manager.Close()

		server, err := remotetrigger.NewServer(manager, "echo", func() {})
		if err != nil {
			return err
		}
		server.StartAsync()
		defer server.Stop()

		client, err := remotetrigger.NewClient(namespace, "echo")
		if err != nil {
			return err
		}
		defer client.Close()

		timeout := viper.GetDuration(keyTimeout)
		var total, worst time.Duration
		for i := 0; i < selftestRounds; i++ {
			start := time.Now()
			if err := client.TriggerFor(timeout); err != nil {
				return fmt.Errorf("round %d: %w", i, err)
			}
			elapsed := time.Since(start)
			total += elapsed
			if elapsed > worst {
				worst = elapsed
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "rounds: %d\navg:    %v\nworst:  %v\n",
			selftestRounds, total/time.Duration(selftestRounds), worst)
		return nil
	},
}

func init() {
	selftestCmd.Flags().IntVar(&selftestRounds, "rounds", 1000, "number of trigger round trips")
}
