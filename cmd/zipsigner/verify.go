package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/avast/apksigner"
)

var verifyCmd = &cobra.Command{
	Use:   "verify FILE...",
	Short: "verify the signatures of APKs or zip archives",
	Args:  cobra.MinimumNArgs(1),
	RunE:  verifyFunc,
}

func verifyFunc(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var merr *multierror.Error
	for _, path := range args {
		res, err := apksigner.Verify(path)
		if res.SigningBlock != nil {
			for _, w := range res.SigningBlock.Warnings {
				logger.WithField("file", path).Warn(w)
			}
		}
		if err != nil {
			fmt.Fprintf(out, "%s: FAILED\n", path)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", path, err))
			continue
		}

		fmt.Fprintf(out, "%s: verified (%s)\n", path, res.Schemes())
		if info, _ := apksigner.PickBestApkCert(res.SignerCerts); info != nil {
			fmt.Fprintf(out, "%s\n", info)
		}
	}
	return merr.ErrorOrNil()
}
