package main

import (
	"github.com/spf13/cobra"

	"github.com/bengreenier/aic-gn/internal/fetch"
)

func (c *rootCommand) fetchCmd() *cobra.Command {
	var (
		platform     string
		output       string
		versionsFile string
	)
	cmd := &cobra.Command{
		Use:   "fetch <version>",
		Short: "Download, verify, and extract an aic SDK release",
		Long: `Fetch downloads the SDK archive for a release version and platform
triplet from GitHub releases, verifies it against the SHA-256 digest
recorded in the versions manifest, and extracts it into the output
directory.`,
		Example: `  aic-gn fetch 0.7.0 --platform x86_64-unknown-linux-gnu --output ./sdk
  aic-gn fetch 0.7.0 --platform x86_64-pc-windows-msvc --output ./sdk`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := fetch.LoadVersions(c.fs, versionsFile)
			if err != nil {
				return err
			}
			p, err := versions.Lookup(args[0], platform)
			if err != nil {
				return err
			}
			client := &fetch.Client{Fs: c.fs, Logger: c.logger}
			return client.Download(cmd.Context(), args[0], platform, p, output)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&platform, "platform", "p", "", "platform triplet, e.g. x86_64-unknown-linux-gnu")
	flags.StringVarP(&output, "output", "o", "", "directory to extract the SDK into")
	flags.StringVar(&versionsFile, "versions-file", "VERSIONS.txt", "path to the release manifest")
	must(cmd.MarkFlagRequired("platform"))
	must(cmd.MarkFlagRequired("output"))
	return cmd
}
