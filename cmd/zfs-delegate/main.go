package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zfs-helper/zfs-helper/internal/daemonconfig"
	"github.com/zfs-helper/zfs-helper/internal/delegate"
	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

func main() {
	var zfsBin string
	var dryRun bool
	var policyRoot string

	root := &cobra.Command{
		Use:   "zfs-delegate",
		Short: "synchronize ZFS delegated permissions with zfs-helper policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := zfsrun.New(zfsBin)
			return delegate.Sync(context.Background(), r, policyRoot, dryRun, func(format string, a ...any) {
				fmt.Fprintf(os.Stdout, format+"\n", a...)
			})
		},
	}

	defaults := daemonconfig.Default()
	root.Flags().StringVar(&zfsBin, "zfs-bin", defaults.ZFSBin, "path to zfs binary")
	root.Flags().BoolVar(&dryRun, "dry-run", false, "preview changes without executing zfs allow/unallow")
	root.Flags().StringVar(&policyRoot, "policy-root", defaults.PolicyRoot, "policy directory to read")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
