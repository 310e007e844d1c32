package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmurscreen/internal/render"
)

var pagesPlain bool

func pageCmd(use, short, body string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := body
			if !pagesPlain {
				pretty, err := render.Pretty(body, 90)
				if err != nil {
					return err
				}
				out = pretty
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func init() {
	for _, c := range []*cobra.Command{
		pageCmd("about", "How the screening results are produced", render.About),
		pageCmd("privacy", "What is stored and where", render.Privacy),
		pageCmd("terms", "Terms of use", render.Terms),
	} {
		c.Flags().BoolVar(&pagesPlain, "plain", false, "print raw markdown")
		rootCmd.AddCommand(c)
	}
}
