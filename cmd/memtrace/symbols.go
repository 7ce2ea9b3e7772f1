//go:build unix

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/k2io/memhook"
)

func newSymbolsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symbols [file]",
		Short: "List function symbols of an executable, this one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := os.Executable()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				name = args[0]
			}
			syms, err := memhook.GetSymbols(name)
			if err != nil {
				return err
			}
			filter := v.GetString("filter")
			names := make([]string, 0, len(syms))
			for s := range syms {
				if strings.Contains(s, filter) {
					names = append(names, s)
				}
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, s := range names {
				fmt.Fprintf(out, "%#016x %s\n", syms[s], s)
			}
			return nil
		},
	}
	cmd.Flags().String("filter", "", "only names containing this string")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}
